// Package memory keeps the staging and variant indexes in process.
// It backs the tests and single-node runs without Elasticsearch.
package memory

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"sort"
	"sync"

	"gohan/ingest/models/indexes"
	"gohan/ingest/models/storage"
)

type Store struct {
	mux      sync.RWMutex
	staged   map[string]*indexes.StagedDocument
	variants map[string]*indexes.CanonicalVariant

	// AfterSnapshot runs between the existence check of a staging bulk
	// call and its writes, letting tests interleave concurrent writers
	AfterSnapshot func()

	// LoseCursorEvery makes every cursor fail with storage.ErrCursorLost
	// once it has served that many documents
	LoseCursorEvery int
}

func NewStore() *Store {
	return &Store{
		staged:   map[string]*indexes.StagedDocument{},
		variants: map[string]*indexes.CanonicalVariant{},
	}
}

// UpsertStaged applies the upserts like a bulk of conditional updates:
// a document created by another writer after the existence check fails
// its insert with a duplicate key
func (s *Store) UpsertStaged(ctx context.Context, upserts []storage.StageUpsert) (storage.BulkWriteResult, error) {
	var res storage.BulkWriteResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mux.RLock()
	existed := make(map[string]bool, len(upserts))
	for _, u := range upserts {
		_, existed[u.Key.String()] = s.staged[u.Key.String()]
	}
	s.mux.RUnlock()

	if s.AfterSnapshot != nil {
		s.AfterSnapshot()
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	var duplicates []string
	for _, u := range upserts {
		id := u.Key.String()
		doc, found := s.staged[id]

		switch {
		case !existed[id] && u.Insert:
			if found {
				duplicates = append(duplicates, id)
				continue
			}
			doc = &indexes.StagedDocument{
				Key:       u.Key,
				End:       u.End,
				Reference: u.Reference,
				Alternate: u.Alternate,
				Studies: map[string]*indexes.StagedStudy{
					u.StudyId: {New: true, Files: map[string][][]byte{}},
				},
			}
			s.staged[id] = doc
			addPayloads(doc.Studies[u.StudyId], u)
			res.Inserted = append(res.Inserted, id)

		case !found:
			res.Failed = append(res.Failed, id)

		default:
			res.Matched = append(res.Matched, id)
			study, ok := doc.Studies[u.StudyId]
			if !ok {
				// an entry without marker reads as new
				study = &indexes.StagedStudy{New: true, Files: map[string][][]byte{}}
				doc.Studies[u.StudyId] = study
			}
			if addPayloads(study, u) {
				res.Modified = append(res.Modified, id)
			}
		}
	}

	if len(duplicates) > 0 {
		return res, &storage.DuplicateKeyError{Keys: duplicates}
	}
	return res, nil
}

func addPayloads(study *indexes.StagedStudy, u storage.StageUpsert) bool {
	changed := false
	for _, p := range u.Payloads {
		if u.AddToSet && containsPayload(study.Files[u.FileId], p) {
			continue
		}
		study.Files[u.FileId] = append(study.Files[u.FileId], append([]byte(nil), p...))
		changed = true
	}
	return changed
}

func containsPayload(held [][]byte, p []byte) bool {
	for _, h := range held {
		if bytes.Equal(h, p) {
			return true
		}
	}
	return false
}

func (s *Store) OpenStaged(ctx context.Context, query storage.StagedQuery) (storage.StagedCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mux.RLock()
	defer s.mux.RUnlock()

	var docs []*indexes.StagedDocument
	for _, doc := range s.staged {
		if query.Matches(doc) {
			docs = append(docs, cloneStaged(doc))
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Id() < docs[j].Id() })

	return &cursor{docs: docs, loseAfter: s.LoseCursorEvery}, nil
}

// Staged returns a copy of one staged document
func (s *Store) Staged(id string) (*indexes.StagedDocument, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	doc, ok := s.staged[id]
	if !ok {
		return nil, false
	}
	return cloneStaged(doc), true
}

func (s *Store) InsertVariants(ctx context.Context, variants []*indexes.CanonicalVariant) (storage.BulkWriteResult, error) {
	var res storage.BulkWriteResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	var duplicates []string
	for _, v := range variants {
		if _, exists := s.variants[v.Key]; exists {
			duplicates = append(duplicates, v.Key)
			continue
		}
		s.variants[v.Key] = cloneVariant(v)
		res.Inserted = append(res.Inserted, v.Key)
	}

	if len(duplicates) > 0 {
		return res, &storage.DuplicateKeyError{Keys: duplicates}
	}
	return res, nil
}

// UpdateVariants folds every update into its study; unmatched updates
// are listed as failed
func (s *Store) UpdateVariants(ctx context.Context, updates []storage.VariantUpdate) (storage.BulkWriteResult, error) {
	var res storage.BulkWriteResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	for _, u := range updates {
		v, found := s.variants[u.Key]
		if !found {
			if u.Upsert == nil {
				res.Failed = append(res.Failed, u.Key)
				continue
			}
			s.variants[u.Key] = cloneVariant(u.Upsert)
			res.Inserted = append(res.Inserted, u.Key)
			continue
		}

		study := v.Study(u.StudyId)
		if study == nil {
			if !u.CreateStudy {
				res.Failed = append(res.Failed, u.Key)
				continue
			}
			v.Studies = append(v.Studies, u.Study.Clone())
			res.Matched = append(res.Matched, u.Key)
			res.Modified = append(res.Modified, u.Key)
			continue
		}

		before := study.Clone()
		study.Merge(u.Study)
		res.Matched = append(res.Matched, u.Key)
		if !reflect.DeepEqual(before, study) {
			res.Modified = append(res.Modified, u.Key)
		}
	}
	return res, nil
}

// MarkMerged clears the new marker of the study at every key
func (s *Store) MarkMerged(ctx context.Context, studyId string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	for _, id := range ids {
		if doc, ok := s.staged[id]; ok {
			if study, ok := doc.Studies[studyId]; ok {
				study.New = false
			}
		}
	}
	return nil
}

// Variant returns a copy of one canonical variant
func (s *Store) Variant(key string) (*indexes.CanonicalVariant, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	v, ok := s.variants[key]
	if !ok {
		return nil, false
	}
	return cloneVariant(v), true
}

func (s *Store) VariantCount() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.variants)
}

type cursor struct {
	docs      []*indexes.StagedDocument
	served    int
	loseAfter int
	lost      bool
	closed    bool
}

func (c *cursor) Next(ctx context.Context) (*indexes.StagedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed || c.lost {
		return nil, storage.ErrCursorLost
	}
	if len(c.docs) == 0 {
		return nil, io.EOF
	}
	if c.loseAfter > 0 && c.served >= c.loseAfter {
		c.lost = true
		return nil, storage.ErrCursorLost
	}

	doc := c.docs[0]
	c.docs = c.docs[1:]
	c.served++
	return doc, nil
}

func (c *cursor) Close() error {
	c.closed = true
	c.docs = nil
	return nil
}

func cloneStaged(doc *indexes.StagedDocument) *indexes.StagedDocument {
	clone := *doc
	clone.Studies = make(map[string]*indexes.StagedStudy, len(doc.Studies))
	for studyId, study := range doc.Studies {
		files := make(map[string][][]byte, len(study.Files))
		for fileId, payloads := range study.Files {
			files[fileId] = append([][]byte(nil), payloads...)
		}
		clone.Studies[studyId] = &indexes.StagedStudy{New: study.New, Files: files}
	}
	return &clone
}

func cloneVariant(v *indexes.CanonicalVariant) *indexes.CanonicalVariant {
	clone := *v
	clone.Ids = append([]string(nil), v.Ids...)
	clone.Studies = make([]*indexes.StudyEntry, len(v.Studies))
	for i, study := range v.Studies {
		clone.Studies[i] = study.Clone()
	}
	return &clone
}
