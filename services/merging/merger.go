package merging

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gohan/ingest/models/calls"
	c "gohan/ingest/models/constants"
	mp "gohan/ingest/models/constants/merge-phase"
	"gohan/ingest/models/indexes"
	"gohan/ingest/models/results"
	"gohan/ingest/models/storage"
	"gohan/ingest/services/metadata"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type VariantStore interface {
	InsertVariants(ctx context.Context, variants []*indexes.CanonicalVariant) (storage.BulkWriteResult, error)
	UpdateVariants(ctx context.Context, updates []storage.VariantUpdate) (storage.BulkWriteResult, error)
}

// StageMarker clears the staged "new" marker of a study once merged
type StageMarker interface {
	MarkMerged(ctx context.Context, studyId string, ids []string) error
}

// MergeError reports the phase that failed and the keys it carried.
// Phases before it were applied and are not rolled back.
type MergeError struct {
	Phase  c.MergePhase
	Keys   []string
	Result results.WriteResult
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s phase failed on %d key(s): %s", e.Phase, len(e.Keys), e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

func (e *MergeError) Cause() error { return e.Err }

type MergerOptions struct {
	// Conflicts recognises duplicate-key insert failures, which happen when
	// a previous run inserted the variant but failed before the marker flip
	Conflicts storage.ConflictingKeysFunc
	Progress  *Progress
}

type Merger struct {
	store     VariantStore
	marker    StageMarker
	meta      metadata.Provider
	codec     calls.Codec
	conflicts storage.ConflictingKeysFunc
	progress  *Progress
}

func NewMerger(store VariantStore, marker StageMarker, meta metadata.Provider, codec calls.Codec, opts MergerOptions) *Merger {
	if opts.Progress == nil {
		opts.Progress = NewProgress(0, DefaultProgressInterval)
	}
	return &Merger{
		store:     store,
		marker:    marker,
		meta:      meta,
		codec:     codec,
		conflicts: opts.Conflicts,
		progress:  opts.Progress,
	}
}

// operation is the single canonical write of one key in a batch
type operation struct {
	doc   *indexes.StagedDocument
	phase c.MergePhase

	study        *indexes.StudyEntry
	variant      *indexes.CanonicalVariant
	newStudy     bool
	contributors int
	missing      int
	unmarked     bool
}

// Merge folds the contributions of fileIds found in the batch into the
// canonical variants of studyId
func (m *Merger) Merge(ctx context.Context, studyId string, fileIds []string, batch []*indexes.StagedDocument) (results.WriteResult, error) {
	res := results.New()

	files, samples, err := m.resolveFiles(studyId, fileIds)
	if err != nil {
		return res, err
	}
	indexed, err := m.meta.StudySamples(studyId)
	if err != nil {
		return res, err
	}

	ops := map[string]*operation{}
	var order []string
	for _, doc := range batch {
		staged := doc.Study(studyId)
		if staged == nil {
			zap.S().Debugf("skipping %s: nothing staged for %s", doc.Id(), studyId)
			continue
		}

		op, seen := ops[doc.Id()]
		if !seen {
			op = &operation{doc: doc, study: indexes.NewStudyEntry(studyId)}
			ops[doc.Id()] = op
			order = append(order, doc.Id())
		}

		if err := m.fold(op, staged, files, samples, &res); err != nil {
			return res, err
		}
	}

	var inserts, updates, gaps []*operation
	for _, id := range order {
		op := ops[id]
		m.classify(op, studyId, indexed, &res)
		switch op.phase {
		case mp.Insert:
			inserts = append(inserts, op)
		case mp.Existing:
			updates = append(updates, op)
		case mp.FillGaps:
			gaps = append(gaps, op)
		}
	}

	retried, err := m.insert(ctx, studyId, inserts, &res)
	if err != nil {
		return res, err
	}
	if err := m.update(ctx, mp.Existing, append(updates, retried...), &res); err != nil {
		return res, err
	}
	if err := m.update(ctx, mp.FillGaps, gaps, &res); err != nil {
		return res, err
	}
	if err := m.mark(ctx, studyId, order, ops, &res); err != nil {
		return res, err
	}

	m.progress.Add(int64(len(batch)))
	return res, nil
}

func (m *Merger) resolveFiles(studyId string, fileIds []string) ([]string, map[string][]string, error) {
	files := make([]string, 0, len(fileIds))
	samples := make(map[string][]string, len(fileIds))
	for _, fileId := range fileIds {
		if _, dup := samples[fileId]; dup {
			continue
		}
		fileSamples, err := m.meta.FileSamples(studyId, fileId)
		if err != nil {
			return nil, nil, err
		}
		samples[fileId] = fileSamples
		files = append(files, fileId)
	}
	sort.Strings(files)
	return files, samples, nil
}

// fold adds what every file holds at the staged document to the operation
func (m *Merger) fold(op *operation, staged *indexes.StagedStudy, files []string, samples map[string][]string, res *results.WriteResult) error {
	if staged.New {
		op.unmarked = true
	}

	for _, fileId := range files {
		fileSamples := samples[fileId]
		payloads := staged.Files[fileId]

		switch {
		case len(payloads) == 0:
			op.study.AddSamples(c.GT_UNKNOWN, fileSamples)
			op.missing += len(fileSamples)

		case len(payloads) > 1:
			res.NonInsertedVariants += len(payloads)
			op.study.AddSamples(c.GT_UNKNOWN, fileSamples)

		default:
			call, err := m.codec.Decode(payloads[0])
			if err != nil {
				return errors.Wrapf(err, "decoding %s of %s", fileId, op.doc.Id())
			}
			if !call.Storable() {
				res.SkippedVariants++
				op.study.AddSamples(c.GT_UNKNOWN, fileSamples)
				continue
			}

			buckets, err := call.GenotypeBuckets(fileSamples)
			if err != nil {
				return errors.Wrapf(err, "file %s", fileId)
			}
			gts := make([]string, 0, len(buckets))
			for gt := range buckets {
				gts = append(gts, gt)
			}
			sort.Strings(gts)
			for _, gt := range gts {
				op.study.AddSamples(gt, buckets[gt])
			}
			res.AddGenotype(gts...)

			op.study.AddFile(indexes.FileEntry{
				FileId:  fileId,
				Id:      call.Id,
				Quality: call.Quality,
				Filter:  call.Filter,
				Info:    call.Info,
			})
			op.contributors++
			m.describe(op, call)
		}
	}
	return nil
}

// describe fills the canonical fields from the first contributing call
func (m *Merger) describe(op *operation, call *calls.Call) {
	if op.variant == nil {
		op.variant = &indexes.CanonicalVariant{
			Key:        op.doc.Id(),
			Chromosome: op.doc.Key.Chromosome,
			Start:      op.doc.Key.Start,
			End:        op.doc.End,
			Reference:  op.doc.Reference,
			Alternate:  op.doc.Alternate,
			Type:       call.Type,
		}
	}
	if call.Id == "" || call.Id == "." {
		return
	}
	for _, id := range op.variant.Ids {
		if id == call.Id {
			return
		}
	}
	op.variant.Ids = append(op.variant.Ids, call.Id)
}

func (m *Merger) classify(op *operation, studyId string, indexed []string, res *results.WriteResult) {
	newVariant := op.doc.IsNewVariant(studyId)
	op.newStudy = op.unmarked && !newVariant

	if op.contributors > 1 {
		res.OverlappedVariants += op.contributors - 1
	}

	switch {
	case newVariant && op.contributors == 0:
		// nothing known yet, leave it staged for a later merge
		op.phase = ""
		op.unmarked = false
		return
	case newVariant:
		op.phase = mp.Insert
	case op.contributors == 0:
		op.phase = mp.FillGaps
	default:
		op.phase = mp.Existing
	}

	if newVariant || op.newStudy {
		m.completeStudy(op.study, indexed)
	}
	if op.variant == nil {
		op.variant = &indexes.CanonicalVariant{
			Key:        op.doc.Id(),
			Chromosome: op.doc.Key.Chromosome,
			Start:      op.doc.Key.Start,
			End:        op.doc.End,
			Reference:  op.doc.Reference,
			Alternate:  op.doc.Alternate,
		}
	}
	op.variant.Studies = []*indexes.StudyEntry{op.study}
}

// completeStudy buckets every indexed sample the operation does not
// mention yet under the unknown genotype
func (m *Merger) completeStudy(study *indexes.StudyEntry, indexed []string) {
	present := map[string]bool{}
	for _, sample := range study.Samples() {
		present[sample] = true
	}
	var rest []string
	for _, sample := range indexed {
		if !present[sample] {
			rest = append(rest, sample)
		}
	}
	study.AddSamples(c.GT_UNKNOWN, rest)
}

// insert writes the new variants. Keys that already exist are returned
// to be applied as study updates instead.
func (m *Merger) insert(ctx context.Context, studyId string, ops []*operation, res *results.WriteResult) ([]*operation, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	variants := make([]*indexes.CanonicalVariant, len(ops))
	for i, op := range ops {
		variants[i] = op.variant
	}

	start := time.Now()
	written, err := m.store.InsertVariants(ctx, variants)
	res.InsertTime += time.Since(start)
	res.NewVariants += len(written.Inserted)

	var retried []*operation
	if err != nil {
		var existing []string
		ok := false
		if m.conflicts != nil {
			existing, ok = m.conflicts(err)
		}
		if !ok {
			return nil, &MergeError{Phase: mp.Insert, Keys: pendingKeys(ops, written.Inserted), Result: *res, Err: err}
		}

		wanted := map[string]bool{}
		for _, k := range existing {
			wanted[k] = true
		}
		for _, op := range ops {
			if wanted[op.doc.Id()] {
				op.phase = mp.Existing
				op.newStudy = true
				retried = append(retried, op)
			}
		}
		zap.S().Infof("%d variant(s) of %s already inserted, merging them as study updates", len(retried), studyId)
	}

	for _, op := range ops {
		if op.phase == mp.Insert {
			res.UpdatedMissingVariants += op.missing
		}
	}
	return retried, nil
}

func (m *Merger) update(ctx context.Context, phase c.MergePhase, ops []*operation, res *results.WriteResult) error {
	if len(ops) == 0 {
		return nil
	}

	updates := make([]storage.VariantUpdate, len(ops))
	for i, op := range ops {
		updates[i] = storage.VariantUpdate{
			Key:         op.doc.Id(),
			StudyId:     op.study.StudyId,
			CreateStudy: op.newStudy,
			Study:       op.study,
		}
		if op.newStudy {
			updates[i].Upsert = op.variant
		}
	}

	start := time.Now()
	written, err := m.store.UpdateVariants(ctx, updates)
	elapsed := time.Since(start)
	if phase == mp.FillGaps {
		res.FillGapsTime += elapsed
	} else {
		res.UpdateTime += elapsed
	}

	if err != nil {
		return &MergeError{Phase: phase, Keys: pendingKeys(ops, nil), Result: *res, Err: err}
	}
	if len(written.Failed) > 0 {
		zap.S().Warnf("%d %s update(s) matched no variant: %v", len(written.Failed), phase, written.Failed)
	}

	failed := map[string]bool{}
	for _, k := range written.Failed {
		failed[k] = true
	}
	// a new study whose variant did not exist yet was created by its upsert
	inserted := map[string]bool{}
	for _, k := range written.Inserted {
		inserted[k] = true
	}
	for _, op := range ops {
		if failed[op.doc.Id()] {
			op.unmarked = false
			continue
		}
		res.UpdatedMissingVariants += op.missing
		switch {
		case inserted[op.doc.Id()]:
			res.NewVariants++
		case phase == mp.Existing:
			res.UpdatedVariants++
		}
	}
	return nil
}

// mark clears the new marker of the keys written for the first time
func (m *Merger) mark(ctx context.Context, studyId string, order []string, ops map[string]*operation, res *results.WriteResult) error {
	var ids []string
	for _, id := range order {
		if op := ops[id]; op.phase != "" && op.unmarked {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if err := m.marker.MarkMerged(ctx, studyId, ids); err != nil {
		return &MergeError{Phase: mp.StageMarker, Keys: ids, Result: *res, Err: err}
	}
	return nil
}

func pendingKeys(ops []*operation, done []string) []string {
	applied := map[string]bool{}
	for _, k := range done {
		applied[k] = true
	}
	var pending []string
	for _, op := range ops {
		if !applied[op.doc.Id()] {
			pending = append(pending, op.doc.Id())
		}
	}
	return pending
}
