package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"gohan/ingest/models/indexes"
	"gohan/ingest/models/storage"

	"github.com/Jeffail/gabs"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultPageSize = 1000

// OpenStaged starts a scroll over the staged documents of the query,
// sorted on key
func (r *Repository) OpenStaged(ctx context.Context, query storage.StagedQuery) (storage.StagedCursor, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(StagedSearchBody(query)); err != nil {
		return nil, errors.Wrap(err, "encoding staged query")
	}

	if r.Config.Debug {
		// view the outbound elasticsearch query
		zap.S().Debug(buf.String())
	}

	res, err := r.Client.Search(
		r.Client.Search.WithContext(ctx),
		r.Client.Search.WithIndex(r.StageIndex),
		r.Client.Search.WithBody(&buf),
		r.Client.Search.WithScroll(r.KeepAlive),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "searching %s", r.StageIndex)
	}

	c := &scrollCursor{repo: r}
	if err := c.consume(res); err != nil {
		return nil, err
	}
	return c, nil
}

// StagedSearchBody filters on the study marker, the key ranges and the
// resume key
func StagedSearchBody(query storage.StagedQuery) map[string]interface{} {
	filter := []map[string]interface{}{{
		"exists": map[string]interface{}{
			"field": query.StudyId + "." + indexes.StagedNewStudyField,
		},
	}}

	if query.After != "" {
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{
				"key": map[string]interface{}{"gt": query.After},
			},
		})
	}

	if len(query.Ranges) > 0 {
		should := make([]map[string]interface{}, 0, len(query.Ranges))
		for _, r := range query.Ranges {
			lower, upper := r.Bounds()
			should = append(should, map[string]interface{}{
				"range": map[string]interface{}{
					"key": map[string]interface{}{"gte": lower, "lt": upper},
				},
			})
		}
		filter = append(filter, map[string]interface{}{
			"bool": map[string]interface{}{
				"should":               should,
				"minimum_should_match": 1,
			},
		})
	}

	size := query.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filter,
			},
		},
		"sort": []map[string]interface{}{{
			"key": map[string]string{"order": "asc"},
		}},
		"size": size,
	}
}

type scrollCursor struct {
	repo     *Repository
	scrollId string
	buffer   []*indexes.StagedDocument
	done     bool
}

func (c *scrollCursor) Next(ctx context.Context) (*indexes.StagedDocument, error) {
	for len(c.buffer) == 0 {
		if c.done {
			return nil, io.EOF
		}
		if err := c.scroll(ctx); err != nil {
			return nil, err
		}
	}

	doc := c.buffer[0]
	c.buffer = c.buffer[1:]
	return doc, nil
}

func (c *scrollCursor) scroll(ctx context.Context) error {
	es := c.repo.Client
	res, err := es.Scroll(
		es.Scroll.WithContext(ctx),
		es.Scroll.WithScrollID(c.scrollId),
		es.Scroll.WithScroll(c.repo.KeepAlive),
	)
	if err != nil {
		return errors.Wrap(err, "scrolling staged documents")
	}
	return c.consume(res)
}

// consume buffers the hits of a search or scroll page
func (c *scrollCursor) consume(res *esapi.Response) error {
	page, err := decodeResponse(res)
	if err != nil {
		var resErr *ResponseError
		if errors.As(err, &resErr) && resErr.Type == indexMissing {
			// nothing staged yet
			c.done = true
			return nil
		}
		if isCursorLost(err) {
			return errors.Wrapf(storage.ErrCursorLost, "scroll on %s: %v", c.repo.StageIndex, err)
		}
		return errors.Wrap(err, "reading staged page")
	}

	scrollId, docs, err := parseHits(page)
	if err != nil {
		return err
	}
	if scrollId != "" {
		c.scrollId = scrollId
	}
	c.buffer = docs
	c.done = len(docs) == 0
	return nil
}

func (c *scrollCursor) Close() error {
	if c.scrollId == "" {
		return nil
	}
	es := c.repo.Client
	res, err := es.ClearScroll(es.ClearScroll.WithScrollID(c.scrollId))
	c.scrollId = ""
	if err != nil {
		return errors.Wrap(err, "clearing scroll")
	}
	res.Body.Close()
	return nil
}

// parseHits reads the scroll id and the staged documents of a page
func parseHits(page *gabs.Container) (string, []*indexes.StagedDocument, error) {
	scrollId, _ := page.Path("_scroll_id").Data().(string)

	hits, err := page.Path("hits.hits").Children()
	if err != nil {
		return scrollId, nil, nil
	}

	docs := make([]*indexes.StagedDocument, 0, len(hits))
	for _, hit := range hits {
		id, _ := hit.Path("_id").Data().(string)
		source, ok := hit.Path("_source").Data().(map[string]interface{})
		if !ok {
			return scrollId, nil, errors.Wrapf(indexes.ErrInvalidDocument, "staged %s has no source", id)
		}
		doc, err := indexes.StagedDocumentFromSource(id, source)
		if err != nil {
			return scrollId, nil, err
		}
		docs = append(docs, doc)
	}
	return scrollId, docs, nil
}

// isCursorLost recognises an expired or unknown scroll context
func isCursorLost(err error) bool {
	var resErr *ResponseError
	if !errors.As(err, &resErr) {
		return false
	}
	return resErr.Status == http.StatusNotFound || resErr.Type == contextMissing
}
