// Package storage holds the values exchanged between the ingestion
// pipeline and whichever store backs it.
package storage

import (
	"context"
	"fmt"
	"strings"

	"gohan/ingest/models/indexes"
	"gohan/ingest/models/keys"

	"github.com/pkg/errors"
)

// StageUpsert appends payloads at studyId.fileId of one staged document.
// Insert allows creating the document, setting the positional fields and
// the study marker only when it does not exist yet. AddToSet skips
// payloads already present.
type StageUpsert struct {
	Key       keys.Key
	StudyId   string
	FileId    string
	End       int
	Reference string
	Alternate string
	Payloads  [][]byte

	Insert   bool
	AddToSet bool
}

// BulkWriteResult lists, per key, the outcome reported by the store
type BulkWriteResult struct {
	Inserted []string
	Matched  []string
	Modified []string
	Failed   []string
}

func (r BulkWriteResult) Add(other BulkWriteResult) BulkWriteResult {
	return BulkWriteResult{
		Inserted: append(append([]string{}, r.Inserted...), other.Inserted...),
		Matched:  append(append([]string{}, r.Matched...), other.Matched...),
		Modified: append(append([]string{}, r.Modified...), other.Modified...),
		Failed:   append(append([]string{}, r.Failed...), other.Failed...),
	}
}

// VariantUpdate pushes files and genotype buckets into the study
// sub-document of a canonical variant. Without CreateStudy an absent
// study leaves the update unmatched. Upsert, when set, is created as is
// if the variant itself does not exist yet.
type VariantUpdate struct {
	Key         string
	StudyId     string
	CreateStudy bool
	Study       *indexes.StudyEntry
	Upsert      *indexes.CanonicalVariant
}

// ConflictingKeysFunc recognises a duplicate-key failure from one store
// and returns the keys involved
type ConflictingKeysFunc func(err error) ([]string, bool)

// StagedQuery selects the staged documents of one study in ascending key
// order, strictly after the After key when it is set
type StagedQuery struct {
	StudyId  string
	Ranges   []keys.Range
	After    string
	PageSize int
}

// Matches is the in-memory form of the query filter
func (q StagedQuery) Matches(doc *indexes.StagedDocument) bool {
	if doc.Study(q.StudyId) == nil {
		return false
	}
	id := doc.Id()
	if q.After != "" && id <= q.After {
		return false
	}
	if len(q.Ranges) == 0 {
		return true
	}
	for _, r := range q.Ranges {
		if r.Contains(doc.Key) {
			return true
		}
	}
	return false
}

// StagedCursor streams staged documents in ascending key order. Next
// returns io.EOF when exhausted and an error matching ErrCursorLost when
// the store dropped the cursor.
type StagedCursor interface {
	Next(ctx context.Context) (*indexes.StagedDocument, error)
	Close() error
}

// ErrCursorLost is returned by a cursor the store has expired or dropped
var ErrCursorLost = errors.New("cursor lost")

func IsCursorLost(err error) bool {
	return errors.Is(err, ErrCursorLost)
}

// DuplicateKeyError is raised when creating documents that already exist
type DuplicateKeyError struct {
	Keys []string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key on %d document(s): %s", len(e.Keys), strings.Join(e.Keys, ", "))
}

// DuplicateKeys is the ConflictingKeysFunc of stores raising DuplicateKeyError
func DuplicateKeys(err error) ([]string, bool) {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) && len(dup.Keys) > 0 {
		return dup.Keys, true
	}
	return nil, false
}
