package staging

import (
	"context"
	"io"

	"gohan/ingest/models/indexes"
	"gohan/ingest/models/keys"
	"gohan/ingest/models/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type CursorOpener interface {
	OpenStaged(ctx context.Context, query storage.StagedQuery) (storage.StagedCursor, error)
}

const (
	DefaultPageSize   = 1000
	DefaultMaxReopens = 5
)

var ErrReaderClosed = errors.New("staged reader closed")

type ReaderOptions struct {
	PageSize int
	// consecutive cursor losses tolerated without reading a document
	MaxReopens int
}

// Reader batches the staged documents of one study so that documents
// with overlapping intervals always end up in the same batch
type Reader struct {
	opener CursorOpener
	query  storage.StagedQuery
	cursor storage.StagedCursor

	lookAhead  *indexes.StagedDocument
	lastKey    string
	reopens    int
	maxReopens int

	exhausted bool
	closed    bool
}

// Open starts reading the staged documents of studyId, restricted to
// ranges when any are given
func Open(ctx context.Context, opener CursorOpener, studyId string, ranges []keys.Range, opts ReaderOptions) (*Reader, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxReopens <= 0 {
		opts.MaxReopens = DefaultMaxReopens
	}

	r := &Reader{
		opener: opener,
		query: storage.StagedQuery{
			StudyId:  studyId,
			Ranges:   ranges,
			PageSize: opts.PageSize,
		},
		maxReopens: opts.MaxReopens,
	}
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Read returns the next batch, at least batchSize documents long unless
// the cursor is exhausted. The batch keeps growing past batchSize while
// documents overlap it. An exhausted reader returns io.EOF.
func (r *Reader) Read(ctx context.Context, batchSize int) ([]*indexes.StagedDocument, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	var (
		batch    []*indexes.StagedDocument
		envelope keys.Interval
	)
	if r.lookAhead != nil {
		batch = append(batch, r.lookAhead)
		envelope = r.lookAhead.Interval()
		r.lookAhead = nil
	}

	for !r.exhausted {
		doc, err := r.next(ctx)
		if err == io.EOF {
			r.exhausted = true
			break
		}
		if err != nil {
			return nil, err
		}

		interval := doc.Interval()
		if len(batch) == 0 {
			batch = append(batch, doc)
			envelope = interval
			continue
		}

		overlaps := envelope.Overlaps(interval)
		if len(batch) >= batchSize && !overlaps {
			r.lookAhead = doc
			break
		}

		batch = append(batch, doc)
		if overlaps {
			envelope = envelope.Union(interval)
		} else {
			envelope = interval
		}
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// next pulls one document, reopening the cursor strictly after the last
// key pulled whenever the store loses it
func (r *Reader) next(ctx context.Context) (*indexes.StagedDocument, error) {
	for {
		if r.cursor == nil {
			if err := r.open(ctx); err != nil {
				return nil, err
			}
		}

		doc, err := r.cursor.Next(ctx)
		if err == nil {
			r.lastKey = doc.Id()
			r.reopens = 0
			return doc, nil
		}
		if !storage.IsCursorLost(err) {
			return nil, err
		}

		r.release()
		r.reopens++
		if r.reopens > r.maxReopens {
			return nil, errors.Wrapf(err, "staged cursor of %s lost %d times after %q", r.query.StudyId, r.reopens, r.lastKey)
		}
		zap.S().Warnf("staged cursor of %s lost after %q, reopening (%d/%d)", r.query.StudyId, r.lastKey, r.reopens, r.maxReopens)
	}
}

func (r *Reader) open(ctx context.Context) error {
	query := r.query
	query.After = r.lastKey

	cursor, err := r.opener.OpenStaged(ctx, query)
	if err != nil {
		return errors.Wrapf(err, "opening staged cursor of %s after %q", query.StudyId, query.After)
	}
	r.cursor = cursor
	return nil
}

func (r *Reader) release() {
	if r.cursor == nil {
		return
	}
	if err := r.cursor.Close(); err != nil {
		zap.S().Debugf("closing staged cursor: %s", err)
	}
	r.cursor = nil
}

// Close releases the cursor; closing twice is a no-op
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.lookAhead = nil

	if r.cursor == nil {
		return nil
	}
	err := r.cursor.Close()
	r.cursor = nil
	return err
}
