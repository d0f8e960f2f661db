package elasticsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"gohan/ingest/models"
	"gohan/ingest/models/indexes"
	"gohan/ingest/models/keys"
	"gohan/ingest/models/storage"

	es7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyA = keys.New("1", 100, "A", "C")
	keyB = keys.New("1", 200, "G", "T")
	keyC = keys.New("1", 300, "T", "A")
)

type bulkAction struct {
	action string
	id     string
	meta   map[string]interface{}
	body   map[string]interface{}
}

type fakeEs struct {
	mux      sync.Mutex
	bulks    [][]bulkAction
	paths    []string
	onBulk   func(actions []bulkAction) []map[string]interface{}
	onSearch func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeEs) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	f.mux.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.mux.Unlock()

	switch {
	case r.URL.Path == "/":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"version": map[string]interface{}{"number": "7.17.7", "build_flavor": "default"},
			"tagline": "You Know, for Search",
		})
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		actions := readBulk(r.Body)
		f.mux.Lock()
		f.bulks = append(f.bulks, actions)
		f.mux.Unlock()

		items := f.onBulk(actions)
		writeJSON(w, http.StatusOK, map[string]interface{}{"took": 1, "errors": false, "items": items})
	default:
		f.onSearch(w, r)
	}
}

func (f *fakeEs) bulk(i int) []bulkAction {
	f.mux.Lock()
	defer f.mux.Unlock()
	if i < 0 {
		i = len(f.bulks) + i
	}
	return f.bulks[i]
}

func (f *fakeEs) bulkCount() int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return len(f.bulks)
}

func (f *fakeEs) requested(prefix string) bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	for _, p := range f.paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func readBulk(body io.Reader) []bulkAction {
	var lines []map[string]interface{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		line := map[string]interface{}{}
		_ = json.Unmarshal(scanner.Bytes(), &line)
		lines = append(lines, line)
	}

	var actions []bulkAction
	for i := 0; i+1 < len(lines); i += 2 {
		for action, raw := range lines[i] {
			meta, _ := raw.(map[string]interface{})
			id, _ := meta["_id"].(string)
			actions = append(actions, bulkAction{action: action, id: id, meta: meta, body: lines[i+1]})
		}
	}
	return actions
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(action string, id string, status int, result string) map[string]interface{} {
	return map[string]interface{}{action: map[string]interface{}{"_id": id, "status": status, "result": result}}
}

func failed(action string, id string, status int, errType string, reason string) map[string]interface{} {
	return map[string]interface{}{action: map[string]interface{}{
		"_id":    id,
		"status": status,
		"error":  map[string]interface{}{"type": errType, "reason": reason},
	}}
}

func newRepository(t *testing.T, fake *fakeEs) *Repository {
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := es7.NewClient(es7.Config{Addresses: []string{server.URL}})
	require.NoError(t, err)

	cfg := &models.Config{}
	cfg.Elasticsearch.StageIndex = "stage"
	cfg.Elasticsearch.VariantIndex = "variants"
	cfg.Elasticsearch.ScrollKeepAlive = "1m"
	cfg.Elasticsearch.BulkWorkers = 1
	return NewRepository(client, cfg)
}

func TestSplitStatus(t *testing.T) {
	status, body := splitStatus(`[200 OK] {"hits":[1]}`)
	assert.Equal(t, "[200 OK]", status)
	assert.Equal(t, `{"hits":[1]}`, body)

	status, body = splitStatus("[404 Not Found]")
	assert.Equal(t, "[404 Not Found]", status)
	assert.Empty(t, body)

	status, body = splitStatus(`{"hits":[1]}`)
	assert.Empty(t, status)
	assert.Equal(t, `{"hits":[1]}`, body)
}

func TestConflictingKeys(t *testing.T) {
	err := errors.Wrap(&BulkError{Index: "stage", Items: []ItemError{
		{DocumentId: "x", Type: versionConflict, Reason: "[" + keyA.String() + "]: version conflict, document already exists (current version [1])"},
		{DocumentId: keyB.String(), Type: versionConflict, Reason: "[" + keyB.String() + "]: version conflict, document already exists (current version [3])"},
	}}, "staging")

	conflicting, ok := ConflictingKeys(err)
	require.True(t, ok)
	assert.Equal(t, []string{keyA.String(), keyB.String()}, conflicting)

	// an update racing another update is not a first insert
	_, ok = ConflictingKeys(&BulkError{Items: []ItemError{
		{DocumentId: keyA.String(), Type: versionConflict,
			Reason: "[" + keyA.String() + "]: version conflict, required seqNo [5], primary term [1]. current document has seqNo [6] and primary term [1]"},
	}})
	assert.False(t, ok)

	_, ok = ConflictingKeys(&BulkError{Items: []ItemError{
		{DocumentId: "x", Type: versionConflict},
		{DocumentId: "y", Type: "mapper_parsing_exception"},
	}})
	assert.False(t, ok)

	_, ok = ConflictingKeys(errors.New("boom"))
	assert.False(t, ok)
}

func TestUpsertStaged(t *testing.T) {
	fake := &fakeEs{onBulk: func(actions []bulkAction) []map[string]interface{} {
		var items []map[string]interface{}
		for _, a := range actions {
			switch a.id {
			case keyA.String():
				items = append(items, ok("update", a.id, 201, "created"))
			case keyB.String():
				items = append(items, failed("update", a.id, 409, versionConflict,
					"["+a.id+"]: version conflict, document already exists (current version [1])"))
			default:
				items = append(items, failed("update", a.id, 404, documentMissing, "document missing"))
			}
		}
		return items
	}}
	repo := newRepository(t, fake)

	res, err := repo.UpsertStaged(context.Background(), []storage.StageUpsert{
		{Key: keyA, StudyId: "s1", FileId: "f1", End: 100, Reference: "A", Alternate: "C", Payloads: [][]byte{[]byte("p1")}, Insert: true},
		{Key: keyB, StudyId: "s1", FileId: "f1", End: 200, Reference: "G", Alternate: "T", Payloads: [][]byte{[]byte("p2")}, Insert: true},
		{Key: keyC, StudyId: "s1", FileId: "f1", End: 300, Reference: "T", Alternate: "A", Payloads: [][]byte{[]byte("p3")}},
	})
	assert.Equal(t, []string{keyA.String()}, res.Inserted)
	assert.Equal(t, []string{keyC.String()}, res.Failed)

	conflicting, recognised := ConflictingKeys(err)
	require.True(t, recognised)
	assert.Equal(t, []string{keyB.String()}, conflicting)

	require.Equal(t, 1, fake.bulkCount())
	byId := map[string]bulkAction{}
	for _, a := range fake.bulk(0) {
		assert.Equal(t, "update", a.action)
		byId[a.id] = a
	}
	upsert, hasUpsert := byId[keyA.String()].body["upsert"].(map[string]interface{})
	require.True(t, hasUpsert)
	assert.Equal(t, keyA.String(), upsert["key"])
	assert.Equal(t, map[string]interface{}{"new": true, "f1": []interface{}{"cDE="}}, upsert["s1"])

	_, hasUpsert = byId[keyC.String()].body["upsert"]
	assert.False(t, hasUpsert)
}

func TestStageUpsertBodyDecodes(t *testing.T) {
	body := StageUpsertBody(storage.StageUpsert{
		Key: keyA, StudyId: "s1", FileId: "f1", End: 100, Reference: "A", Alternate: "C",
		Payloads: [][]byte{[]byte("p1"), []byte("p2")}, Insert: true, AddToSet: true,
	})

	raw, err := json.Marshal(body["upsert"])
	require.NoError(t, err)
	source := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &source))

	doc, err := indexes.StagedDocumentFromSource(keyA.String(), source)
	require.NoError(t, err)
	assert.True(t, doc.IsNewVariant("s1"))
	assert.Equal(t, [][]byte{[]byte("p1"), []byte("p2")}, doc.Study("s1").Files["f1"])

	params := body["script"].(map[string]interface{})["params"].(map[string]interface{})
	assert.Equal(t, true, params["addToSet"])
	assert.Equal(t, "f1", params["file"])
}

func TestInsertAndUpdateVariants(t *testing.T) {
	fake := &fakeEs{onBulk: func(actions []bulkAction) []map[string]interface{} {
		var items []map[string]interface{}
		for _, a := range actions {
			if a.action == "create" {
				if a.id == keyB.String() {
					items = append(items, failed("create", a.id, 409, versionConflict, "["+a.id+"]: version conflict, document already exists"))
				} else {
					items = append(items, ok("create", a.id, 201, "created"))
				}
				continue
			}
			switch a.id {
			case keyA.String():
				items = append(items, ok("update", a.id, 200, "updated"))
			case keyB.String():
				items = append(items, ok("update", a.id, 200, "noop"))
			default:
				items = append(items, ok("update", a.id, 201, "created"))
			}
		}
		return items
	}}
	repo := newRepository(t, fake)
	ctx := context.Background()

	study := indexes.NewStudyEntry("s1")
	study.AddSamples("0/1", []string{"S1"})

	res, err := repo.InsertVariants(ctx, []*indexes.CanonicalVariant{
		{Key: keyA.String(), Chromosome: "1", Start: 100, Studies: []*indexes.StudyEntry{study}},
		{Key: keyB.String(), Chromosome: "1", Start: 200, Studies: []*indexes.StudyEntry{study}},
	})
	assert.Equal(t, []string{keyA.String()}, res.Inserted)
	conflicting, recognised := ConflictingKeys(err)
	require.True(t, recognised)
	assert.Equal(t, []string{keyB.String()}, conflicting)

	res, err = repo.UpdateVariants(ctx, []storage.VariantUpdate{
		{Key: keyA.String(), StudyId: "s1", Study: study},
		{Key: keyB.String(), StudyId: "s1", Study: study},
		{Key: keyC.String(), StudyId: "s1", Study: study, CreateStudy: true,
			Upsert: &indexes.CanonicalVariant{Key: keyC.String(), Studies: []*indexes.StudyEntry{study}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{keyA.String()}, res.Modified)
	assert.Equal(t, []string{keyB.String()}, res.Failed)
	assert.Equal(t, []string{keyC.String()}, res.Inserted)

	updates := fake.bulk(-1)
	require.Len(t, updates, 3)
	for _, a := range updates {
		_, hasUpsert := a.body["upsert"]
		assert.Equal(t, a.id == keyC.String(), hasUpsert, a.id)
	}
}

func TestVariantUpdateBodyRequiresStudy(t *testing.T) {
	_, err := VariantUpdateBody(storage.VariantUpdate{Key: keyA.String()})
	assert.Error(t, err)
}

func TestScriptedUpdatesRetryOnConflict(t *testing.T) {
	fake := &fakeEs{onBulk: func(actions []bulkAction) []map[string]interface{} {
		var items []map[string]interface{}
		for _, a := range actions {
			items = append(items, ok(a.action, a.id, 200, "updated"))
		}
		return items
	}}
	repo := newRepository(t, fake)
	ctx := context.Background()

	_, err := repo.UpsertStaged(ctx, []storage.StageUpsert{
		{Key: keyA, StudyId: "s1", FileId: "f1", End: 100, Reference: "A", Alternate: "C", Payloads: [][]byte{[]byte("p1")}},
	})
	require.NoError(t, err)
	require.NoError(t, repo.MarkMerged(ctx, "s1", []string{keyA.String()}))
	_, err = repo.UpdateVariants(ctx, []storage.VariantUpdate{
		{Key: keyA.String(), StudyId: "s1", Study: indexes.NewStudyEntry("s1")},
	})
	require.NoError(t, err)
	_, err = repo.InsertVariants(ctx, []*indexes.CanonicalVariant{{Key: keyB.String(), Chromosome: "1", Start: 200, End: 200, Reference: "G", Alternate: "T"}})
	require.NoError(t, err)

	require.Equal(t, 4, fake.bulkCount())
	for i := 0; i < 3; i++ {
		a := fake.bulk(i)[0]
		assert.Equal(t, "update", a.action)
		assert.Equal(t, float64(defaultRetryOnConflict), a.meta["retry_on_conflict"], "bulk %d", i)
	}

	// creates have nothing to retry
	created := fake.bulk(3)[0]
	assert.Equal(t, "create", created.action)
	_, set := created.meta["retry_on_conflict"]
	assert.False(t, set)
}

func TestMarkMerged(t *testing.T) {
	fake := &fakeEs{onBulk: func(actions []bulkAction) []map[string]interface{} {
		var items []map[string]interface{}
		for _, a := range actions {
			if a.id == keyC.String() {
				items = append(items, failed("update", a.id, 500, "script_exception", "boom"))
			} else {
				items = append(items, ok("update", a.id, 200, "updated"))
			}
		}
		return items
	}}
	repo := newRepository(t, fake)

	require.NoError(t, repo.MarkMerged(context.Background(), "s1", []string{keyA.String(), keyB.String()}))
	params := fake.bulk(0)[0].body["script"].(map[string]interface{})["params"].(map[string]interface{})
	assert.Equal(t, "s1", params["study"])

	err := repo.MarkMerged(context.Background(), "s1", []string{keyC.String()})
	var bulkErr *BulkError
	require.True(t, errors.As(err, &bulkErr))
	assert.Equal(t, "script_exception", bulkErr.Items[0].Type)

	assert.NoError(t, repo.MarkMerged(context.Background(), "s1", nil))
}

func TestStagedSearchBody(t *testing.T) {
	body := StagedSearchBody(storage.StagedQuery{
		StudyId: "s1",
		After:   keyA.String(),
		Ranges:  []keys.Range{keys.NewChromosomeRange("1"), {Chromosome: "2", Start: 10, End: 20}},
	})

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `"field":"s1.new"`)
	assert.Contains(t, text, `"gt":"`+keyA.String()+`"`)
	assert.Contains(t, text, `"size":1000`)

	lower, upper := keys.NewChromosomeRange("1").Bounds()
	assert.Contains(t, text, `"gte":"`+lower+`"`)
	assert.Contains(t, text, `"lt":"`+upper+`"`)
}

func stagedHit(key keys.Key) map[string]interface{} {
	doc := &indexes.StagedDocument{
		Key: key, End: key.Start, Reference: key.Reference, Alternate: key.Alternate,
		Studies: map[string]*indexes.StagedStudy{
			"s1": {New: true, Files: map[string][][]byte{"f1": {[]byte("p1")}}},
		},
	}
	return map[string]interface{}{"_id": key.String(), "_source": doc.ToSource()}
}

func TestScrollCursor(t *testing.T) {
	var scrolls int32
	fake := &fakeEs{onSearch: func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			writeJSON(w, http.StatusOK, map[string]interface{}{"succeeded": true})
		case strings.Contains(r.URL.Path, "/_search/scroll"):
			if atomic.AddInt32(&scrolls, 1) == 1 {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"_scroll_id": "scroll-2",
					"hits":       map[string]interface{}{"hits": []interface{}{stagedHit(keyC)}},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"_scroll_id": "scroll-3",
				"hits":       map[string]interface{}{"hits": []interface{}{}},
			})
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"_scroll_id": "scroll-1",
				"hits":       map[string]interface{}{"hits": []interface{}{stagedHit(keyA), stagedHit(keyB)}},
			})
		}
	}}
	repo := newRepository(t, fake)
	ctx := context.Background()

	cursor, err := repo.OpenStaged(ctx, storage.StagedQuery{StudyId: "s1"})
	require.NoError(t, err)

	var ids []string
	for {
		doc, err := cursor.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, doc.Id())
	}
	assert.Equal(t, []string{keyA.String(), keyB.String(), keyC.String()}, ids)
	require.NoError(t, cursor.Close())
	assert.True(t, fake.requested("DELETE /_search/scroll"))
}

func TestScrollCursorLost(t *testing.T) {
	fake := &fakeEs{onSearch: func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/_search/scroll") {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error":  map[string]interface{}{"type": contextMissing, "reason": "No search context found"},
				"status": 404,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"_scroll_id": "scroll-1",
			"hits":       map[string]interface{}{"hits": []interface{}{stagedHit(keyA)}},
		})
	}}
	repo := newRepository(t, fake)
	ctx := context.Background()

	cursor, err := repo.OpenStaged(ctx, storage.StagedQuery{StudyId: "s1"})
	require.NoError(t, err)
	_, err = cursor.Next(ctx)
	require.NoError(t, err)

	_, err = cursor.Next(ctx)
	assert.True(t, storage.IsCursorLost(err), "%v", err)
}

func TestScrollMissingIndex(t *testing.T) {
	fake := &fakeEs{onSearch: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":  map[string]interface{}{"type": indexMissing, "reason": "no such index [stage]"},
			"status": 404,
		})
	}}
	repo := newRepository(t, fake)

	cursor, err := repo.OpenStaged(context.Background(), storage.StagedQuery{StudyId: "s1"})
	require.NoError(t, err)
	_, err = cursor.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, cursor.Close())
}

func TestMappings(t *testing.T) {
	raw, err := json.Marshal(StageIndexMapping())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"binary"`)
	assert.Contains(t, string(raw), `"path_match":"*.new"`)

	raw, err = json.Marshal(VariantIndexMapping())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"nested"`)
	assert.Contains(t, string(raw), `"enabled":false`)
}

func TestBootstrap(t *testing.T) {
	created := map[string]bool{}
	var mux sync.Mutex
	fake := &fakeEs{onSearch: func(w http.ResponseWriter, r *http.Request) {
		index := strings.TrimPrefix(r.URL.Path, "/")
		switch r.Method {
		case http.MethodHead:
			if index == "variants" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			mux.Lock()
			created[index] = true
			mux.Unlock()
			writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": true, "index": index})
		}
	}}
	repo := newRepository(t, fake)

	require.NoError(t, repo.Bootstrap(context.Background()))
	assert.Equal(t, map[string]bool{"stage": true}, created)
}
