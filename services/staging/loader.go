package staging

import (
	"context"
	"fmt"
	"time"

	"gohan/ingest/models/calls"
	"gohan/ingest/models/indexes"
	"gohan/ingest/models/keys"
	"gohan/ingest/models/results"
	"gohan/ingest/models/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store receives the staging upserts of one bulk call. On error the
// returned result still holds the upserts the store applied.
type Store interface {
	UpsertStaged(ctx context.Context, upserts []storage.StageUpsert) (storage.BulkWriteResult, error)
}

var (
	ErrRetryConflict = errors.New("staging retry failed")
	ErrReservedId    = errors.New("reserved study or file id")
)

// RetryConflictError is returned when the single update-only retry of
// the keys that lost a first-insert race fails again
type RetryConflictError struct {
	Keys []string
	Err  error
}

func (e *RetryConflictError) Error() string {
	return fmt.Sprintf("%s on %d key(s): %s", ErrRetryConflict, len(e.Keys), e.Err)
}

func (e *RetryConflictError) Is(target error) bool {
	return target == ErrRetryConflict
}

func (e *RetryConflictError) Unwrap() error { return e.Err }

func (e *RetryConflictError) Cause() error { return e.Err }

type LoaderOptions struct {
	// Resume adds payloads only when absent so a file can be staged again
	Resume bool
}

type Loader struct {
	store     Store
	conflicts storage.ConflictingKeysFunc
	codec     calls.Codec
	resume    bool
}

func NewLoader(store Store, conflicts storage.ConflictingKeysFunc, codec calls.Codec, opts LoaderOptions) *Loader {
	return &Loader{
		store:     store,
		conflicts: conflicts,
		codec:     codec,
		resume:    opts.Resume,
	}
}

type keyGroup struct {
	key      keys.Key
	call     *calls.Call
	payloads [][]byte
}

// Stage records the calls of one (study, file) pair in the staging store
func (l *Loader) Stage(ctx context.Context, studyId string, fileId string, batch []*calls.Call) (results.WriteResult, error) {
	start := time.Now()
	res := results.New()

	if indexes.IsReservedStagedField(studyId) || indexes.IsReservedStagedField(fileId) {
		return res, errors.Wrapf(ErrReservedId, "study %q, file %q", studyId, fileId)
	}

	groups, order, err := l.group(batch, &res)
	if err != nil {
		return res, err
	}
	if len(order) == 0 {
		res.StageTime = time.Since(start)
		return res, nil
	}

	upserts := make([]storage.StageUpsert, 0, len(order))
	for _, id := range order {
		g := groups[id]
		upserts = append(upserts, storage.StageUpsert{
			Key:       g.key,
			StudyId:   studyId,
			FileId:    fileId,
			End:       g.call.End,
			Reference: g.call.Reference,
			Alternate: g.call.Alternate,
			Payloads:  g.payloads,
			Insert:    true,
			AddToSet:  l.resume,
		})
	}

	written, err := l.store.UpsertStaged(ctx, upserts)
	if err != nil {
		conflicting, ok := l.conflicts(err)
		if !ok {
			return l.finish(res, written, start), err
		}

		retried, retryErr := l.retry(ctx, upserts, conflicting)
		written = written.Add(retried)
		if retryErr != nil {
			return l.finish(res, written, start), retryErr
		}
	}

	res = l.finish(res, written, start)
	zap.S().Debugf("staged %d key(s) of %s/%s: %s", len(order), studyId, fileId, res)
	return res, nil
}

// group drops the calls that are never staged and keeps every payload of
// a key, in input order
func (l *Loader) group(batch []*calls.Call, res *results.WriteResult) (map[string]*keyGroup, []string, error) {
	groups := make(map[string]*keyGroup)
	order := make([]string, 0, len(batch))

	for _, call := range batch {
		if !call.Storable() {
			res.SkippedVariants++
			continue
		}

		payload, err := l.codec.Encode(call)
		if err != nil {
			return nil, nil, err
		}

		key := call.Key()
		id := key.String()
		g, exists := groups[id]
		if !exists {
			g = &keyGroup{key: key, call: call}
			groups[id] = g
			order = append(order, id)
		}
		g.payloads = append(g.payloads, payload)
	}
	return groups, order, nil
}

// retry runs the conflicting keys once more, against existing documents only
func (l *Loader) retry(ctx context.Context, upserts []storage.StageUpsert, conflicting []string) (storage.BulkWriteResult, error) {
	wanted := make(map[string]bool, len(conflicting))
	for _, k := range conflicting {
		wanted[k] = true
	}

	var retry []storage.StageUpsert
	for _, u := range upserts {
		if wanted[u.Key.String()] {
			u.Insert = false
			retry = append(retry, u)
		}
	}
	if len(retry) == 0 {
		return storage.BulkWriteResult{}, &RetryConflictError{
			Keys: conflicting,
			Err:  errors.New("conflicting keys were not part of the batch"),
		}
	}

	zap.S().Infof("retrying %d staged key(s) after a duplicate key conflict", len(retry))

	written, err := l.store.UpsertStaged(ctx, retry)
	if err == nil && len(written.Failed) > 0 {
		err = errors.Errorf("%d upsert(s) unmatched", len(written.Failed))
	}
	if err != nil {
		return written, &RetryConflictError{Keys: conflicting, Err: err}
	}
	return written, nil
}

func (l *Loader) finish(res results.WriteResult, written storage.BulkWriteResult, start time.Time) results.WriteResult {
	res.NewVariants += len(written.Inserted)
	res.UpdatedVariants += len(written.Modified)
	res.StageTime += time.Since(start)
	return res
}
