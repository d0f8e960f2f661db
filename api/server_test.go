package api

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gohan/ingest/models"
	"gohan/ingest/models/ingest"
	"gohan/ingest/models/storage"
	"gohan/ingest/repositories/memory"
	"gohan/ingest/services"
	"gohan/ingest/services/metadata"

	"github.com/Jeffail/gabs"
	"github.com/heptiolabs/healthcheck"
	"github.com/labstack/echo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vcf = "##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tS1\n" +
	"chr1\t100\t.\tA\tG\t.\tPASS\t.\tGT\t0/1\n" +
	"chr1\t200\t.\tC\tT\t.\tPASS\t.\tGT\t1/1\n" +
	"chr2\t50\t.\tG\tA\t.\tPASS\t.\tGT\t0/1\n"

type fixture struct {
	server *echo.Echo
	iz     *services.IngestionService
	store  *memory.Store
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "f1.vcf"), []byte(vcf), 0644))

	cfg := &models.Config{SemVer: "1.2.3", ServiceContact: "mailto:test@c3g.ca"}
	cfg.Api.VcfPath = dir
	cfg.Api.BulkSize = 2
	cfg.Api.FileProcessingConcurrencyLevel = 1
	cfg.Api.MergeQueueCapacity = 1
	cfg.Api.ReadBatchSize = 2

	store := memory.NewStore()
	iz := services.NewIngestionService(store, metadata.NewStaticProvider(), storage.DuplicateKeys, nil, cfg)
	return &fixture{
		server: NewServer(cfg, iz, healthcheck.NewHandler()),
		iz:     iz,
		store:  store,
	}
}

func (f *fixture) get(t *testing.T, target string) (int, *gabs.Container) {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	body, err := gabs.ParseJSON(rec.Body.Bytes())
	if err != nil {
		body = gabs.New()
	}
	return rec.Code, body
}

func (f *fixture) waitFinished(t *testing.T) {
	require.Eventually(t, func() bool {
		for _, req := range f.iz.GetRequests() {
			if !req.Finished() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceInfo(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/service-info")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ca.c3g.bento:gohan-ingest", body.Path("id").Data())
	assert.Equal(t, "1.2.3", body.Path("version").Data())
	assert.Equal(t, "mailto:test@c3g.ca", body.Path("contactUrl").Data())
}

func TestStageValidation(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name   string
		target string
		code   int
	}{
		{"missing study", "/variants/ingestion/stage?fileNames=f1.vcf", http.StatusBadRequest},
		{"invalid study", "/variants/ingestion/stage?studyId=a.b&fileNames=f1.vcf", http.StatusBadRequest},
		{"missing files", "/variants/ingestion/stage?studyId=s1", http.StatusBadRequest},
		{"invalid resume", "/variants/ingestion/stage?studyId=s1&fileNames=f1.vcf&resume=maybe", http.StatusBadRequest},
		{"unknown file", "/variants/ingestion/stage?studyId=s1&fileNames=nope.vcf", http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.get(t, tc.target)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, float64(tc.code), body.Path("code").Data())
		})
	}
	assert.Empty(t, f.iz.GetRequests())
}

func TestMergeValidation(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name   string
		target string
		code   int
	}{
		{"missing study", "/variants/ingestion/merge?fileIds=f1", http.StatusBadRequest},
		{"missing files", "/variants/ingestion/merge?studyId=s1", http.StatusBadRequest},
		{"invalid chromosome", "/variants/ingestion/merge?studyId=s1&fileIds=f1&chromosomes=1,chr99", http.StatusBadRequest},
		{"unregistered file", "/variants/ingestion/merge?studyId=s1&fileIds=f1", http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := f.get(t, tc.target)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestStageThenMergeOverHttp(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/variants/ingestion/stage?studyId=s1&fileNames=f1.vcf")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, string(ingest.Stage), body.Path("kind").Data())
	f.waitFinished(t)

	code, body = f.get(t, "/variants/ingestion/merge?studyId=s1&fileIds=f1&chromosomes=chr1")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, string(ingest.Merge), body.Path("kind").Data())
	f.waitFinished(t)

	// only chromosome 1 was merged
	assert.Equal(t, 2, f.store.VariantCount())

	code, body = f.get(t, "/variants/ingestion/requests")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body.Path("count").Data())
	states, err := body.Path("requests.state").Children()
	require.NoError(t, err)
	for _, s := range states {
		assert.Equal(t, string(ingest.Done), s.Data())
	}

	code, body = f.get(t, "/variants/ingestion/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body.Path("finished").Data())
	// 3 staged and 2 merged
	assert.Equal(t, float64(5), body.Path("totals.newVariants").Data())
}

func TestStageAlreadyRunning(t *testing.T) {
	f := newFixture(t)

	// a pending request holding the file
	f.iz.IngestRequestMap["held"] = &ingest.IngestRequest{
		Kind:    ingest.Stage,
		StudyId: "s1",
		Files:   []string{"f1.vcf"},
		State:   ingest.Running,
	}

	code, _ := f.get(t, "/variants/ingestion/stage?studyId=s1&fileNames=f1.vcf")
	assert.Equal(t, http.StatusConflict, code)
}

func TestObservabilityRoutes(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	for _, target := range []string{"/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusOK, rec.Code, target)
	}
}
