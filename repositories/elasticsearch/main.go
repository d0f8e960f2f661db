package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gohan/ingest/models"

	"github.com/Jeffail/gabs"
	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/elastic/go-elasticsearch/v7/esutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	versionConflict = "version_conflict_engine_exception"
	documentMissing = "document_missing_exception"
	contextMissing  = "search_context_missing_exception"
	indexMissing    = "index_not_found_exception"
)

// a create racing another create is reported as
// "[<id>]: version conflict, document already exists ..."
var conflictReason = regexp.MustCompile(`^\[(.+?)\]: version conflict, document already exists`)

// retries of a scripted update whose document changed underneath it
const defaultRetryOnConflict = 5

// Repository stores staged and canonical variants in two indexes
type Repository struct {
	Client       *elasticsearch.Client
	Config       *models.Config
	StageIndex   string
	VariantIndex string
	KeepAlive    time.Duration
	BulkWorkers  int

	RetryOnConflict int
}

func NewRepository(es *elasticsearch.Client, cfg *models.Config) *Repository {
	keepAlive, err := time.ParseDuration(cfg.Elasticsearch.ScrollKeepAlive)
	if err != nil || keepAlive <= 0 {
		keepAlive = 5 * time.Minute
	}
	workers := cfg.Elasticsearch.BulkWorkers
	if workers <= 0 {
		workers = 1
	}
	retries := cfg.Elasticsearch.RetryOnConflict
	if retries <= 0 {
		retries = defaultRetryOnConflict
	}

	return &Repository{
		Client:       es,
		Config:       cfg,
		StageIndex:   orDefault(cfg.Elasticsearch.StageIndex, "variants-stage"),
		VariantIndex: orDefault(cfg.Elasticsearch.VariantIndex, "variants"),
		KeepAlive:    keepAlive,
		BulkWorkers:  workers,

		RetryOnConflict: retries,
	}
}

// ItemError is the failure of one bulk item
type ItemError struct {
	DocumentId string
	Status     int
	Type       string
	Reason     string
}

// BulkError lists the failed items of a bulk request
type BulkError struct {
	Index string
	Items []ItemError
}

func (e *BulkError) Error() string {
	if len(e.Items) == 0 {
		return fmt.Sprintf("bulk request on %s failed", e.Index)
	}
	first := e.Items[0]
	return fmt.Sprintf("%d bulk item(s) on %s failed, first: [%s] %s: %s",
		len(e.Items), e.Index, first.DocumentId, first.Type, first.Reason)
}

// ConflictingKeys recognises a bulk failure made only of documents
// created concurrently and returns their ids. Sequence number conflicts
// of updates are not recognised.
func ConflictingKeys(err error) ([]string, bool) {
	var bulkErr *BulkError
	if !errors.As(err, &bulkErr) || len(bulkErr.Items) == 0 {
		return nil, false
	}

	conflicting := make([]string, 0, len(bulkErr.Items))
	for _, item := range bulkErr.Items {
		if item.Type != versionConflict {
			return nil, false
		}
		match := conflictReason.FindStringSubmatch(item.Reason)
		if match == nil {
			return nil, false
		}
		conflicting = append(conflicting, match[1])
	}
	return conflicting, true
}

// bulkItem is one action of a bulk request with the outcome reported back
type bulkItem struct {
	id     string
	action string
	body   map[string]interface{}

	// scripted updates only
	retryOnConflict bool
}

type bulkOutcome struct {
	mux      sync.Mutex
	results  map[string]string
	failures []ItemError
}

func (o *bulkOutcome) success(id string, result string) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.results[id] = result
}

// ids lists the acknowledged documents in key order
func (o *bulkOutcome) ids() []string {
	ids := make([]string, 0, len(o.results))
	for id := range o.results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *bulkOutcome) failure(e ItemError) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.failures = append(o.failures, e)
}

// bulk runs the items through a bulk indexer and waits for every
// acknowledgement; the index is refreshed before returning
func (r *Repository) bulk(ctx context.Context, index string, items []bulkItem) (*bulkOutcome, error) {
	outcome := &bulkOutcome{results: make(map[string]string, len(items))}
	if len(items) == 0 {
		return outcome, nil
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      index,
		Client:     r.Client,
		NumWorkers: r.BulkWorkers,
		Refresh:    "wait_for",
		OnError: func(ctx context.Context, err error) {
			zap.S().Errorf("bulk indexer error on %s: %v", index, err)
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating bulk indexer for %s", index)
	}

	for _, item := range items {
		data, err := json.Marshal(item.body)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s %s", item.action, item.id)
		}
		if r.Config.Debug {
			zap.S().Debugf("%s %s: %s", item.action, item.id, data)
		}

		var retries *int
		if item.retryOnConflict {
			retries = &r.RetryOnConflict
		}

		err = bi.Add(ctx, esutil.BulkIndexerItem{
			Action:          item.action,
			DocumentID:      item.id,
			Body:            bytes.NewReader(data),
			RetryOnConflict: retries,
			OnSuccess: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem) {
				outcome.success(item.DocumentID, res.Result)
			},
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					outcome.failure(ItemError{DocumentId: item.DocumentID, Type: "transport", Reason: err.Error()})
					return
				}
				outcome.failure(ItemError{
					DocumentId: item.DocumentID,
					Status:     res.Status,
					Type:       res.Error.Type,
					Reason:     res.Error.Reason,
				})
			},
		})
		if err != nil {
			bi.Close(ctx)
			return nil, errors.Wrapf(err, "queueing %s %s", item.action, item.id)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, errors.Wrapf(err, "flushing bulk on %s", index)
	}

	stats := bi.Stats()
	zap.S().Debugf("bulk on %s: %d added, %d flushed, %d failed", index, stats.NumAdded, stats.NumFlushed, stats.NumFailed)
	return outcome, nil
}

// Bootstrap creates the staging and variant indexes when missing
func (r *Repository) Bootstrap(ctx context.Context) error {
	for index, mapping := range map[string]map[string]interface{}{
		r.StageIndex:   StageIndexMapping(),
		r.VariantIndex: VariantIndexMapping(),
	} {
		exists, err := r.Client.Indices.Exists([]string{index}, r.Client.Indices.Exists.WithContext(ctx))
		if err != nil {
			return errors.Wrapf(err, "checking index %s", index)
		}
		exists.Body.Close()
		if exists.StatusCode == http.StatusOK {
			continue
		}

		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(mapping); err != nil {
			return errors.Wrapf(err, "encoding mapping of %s", index)
		}

		res, err := r.Client.Indices.Create(index,
			r.Client.Indices.Create.WithContext(ctx),
			r.Client.Indices.Create.WithBody(&buf),
		)
		if err != nil {
			return errors.Wrapf(err, "creating index %s", index)
		}
		if _, err := decodeResponse(res); err != nil {
			return errors.Wrapf(err, "creating index %s", index)
		}
		zap.S().Infof("created index %s", index)
	}
	return nil
}

// StageIndexMapping types every "<study>.<file>" array as binary payloads
// and every "<study>.new" marker as boolean
func StageIndexMapping() map[string]interface{} {
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"dynamic_templates": []map[string]interface{}{
				{
					"markers": map[string]interface{}{
						"path_match":         "*.new",
						"match_mapping_type": "boolean",
						"mapping":            map[string]interface{}{"type": "boolean"},
					},
				},
				{
					"payloads": map[string]interface{}{
						"path_match":         "*.*",
						"match_mapping_type": "string",
						"mapping":            map[string]interface{}{"type": "binary"},
					},
				},
			},
			"properties": map[string]interface{}{
				"key": map[string]interface{}{"type": "keyword"},
				"end": map[string]interface{}{"type": "integer"},
				"ref": map[string]interface{}{"type": "keyword", "index": false},
				"alt": map[string]interface{}{"type": "keyword", "index": false},
			},
		},
	}
}

func VariantIndexMapping() map[string]interface{} {
	keyword := map[string]interface{}{"type": "keyword"}
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"key":   keyword,
				"chrom": keyword,
				"start": map[string]interface{}{"type": "integer"},
				"end":   map[string]interface{}{"type": "integer"},
				"ref":   keyword,
				"alt":   keyword,
				"type":  keyword,
				"ids":   keyword,
				"studies": map[string]interface{}{
					"type": "nested",
					"properties": map[string]interface{}{
						"studyId": keyword,
						"files":   map[string]interface{}{"type": "object", "enabled": false},
						"gt":      map[string]interface{}{"type": "object", "enabled": false},
					},
				},
			},
		},
	}
}

// decodeResponse checks the status of res and parses its body
func decodeResponse(res *esapi.Response) (*gabs.Container, error) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	status, body := splitStatus(res.String())
	if body == "" {
		body = "{}"
	}

	parsed, err := gabs.ParseJSON([]byte(body))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing response %s", status)
	}
	if res.IsError() {
		errType, _ := parsed.Path("error.type").Data().(string)
		reason, _ := parsed.Path("error.reason").Data().(string)
		return parsed, &ResponseError{Status: res.StatusCode, Type: errType, Reason: reason}
	}
	return parsed, nil
}

// splitStatus separates the "[200 OK]" prefix esapi.Response.String
// puts before the body
func splitStatus(rendered string) (status string, body string) {
	rendered = strings.TrimSpace(rendered)
	if !strings.HasPrefix(rendered, "[") {
		return "", rendered
	}
	end := strings.Index(rendered, "]")
	if end == -1 {
		return "", rendered
	}
	return rendered[:end+1], strings.TrimSpace(rendered[end+1:])
}

// ResponseError is a non-2xx answer
type ResponseError struct {
	Status int
	Type   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("elasticsearch answered %d", e.Status)
	}
	return fmt.Sprintf("elasticsearch answered %d: %s: %s", e.Status, e.Type, e.Reason)
}

func orDefault(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
