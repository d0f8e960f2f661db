package common

import (
	"crypto/tls"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"runtime"
	"testing"
	"time"

	"gohan/ingest/models"
	"gohan/ingest/models/ingest"

	"github.com/Jeffail/gabs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"
)

const (
	StagePath             string = "%s/variants/ingestion/stage?studyId=%s&fileNames=%s"
	MergePath             string = "%s/variants/ingestion/merge?studyId=%s&fileIds=%s"
	IngestionRequestsPath string = "%s/variants/ingestion/requests"
	IngestionStatsPath    string = "%s/variants/ingestion/stats"
)

// InitConfig reads test.config.yml next to this file, or the file named
// by GOHAN_TEST_CONFIG
func InitConfig() *models.Config {
	var cfg models.Config

	configPath := os.Getenv("GOHAN_TEST_CONFIG")
	if configPath == "" {
		// get this file's path
		_, filename, _, _ := runtime.Caller(0)
		configPath = fmt.Sprintf("%s/test.config.yml", path.Dir(filename))
	}

	f, err := os.Open(configPath)
	if err != nil {
		processError(err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(&cfg)
	if err != nil {
		processError(err)
	}

	if cfg.Debug {
		http.DefaultTransport.(*http.Transport).TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &cfg
}

func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

// SkipUnreachable skips the test when nothing answers at url
func SkipUnreachable(_t *testing.T, url string) {
	client := &http.Client{Timeout: 2 * time.Second}
	response, err := client.Get(url)
	if err != nil {
		_t.Skipf("%s unreachable: %v", url, err)
	}
	response.Body.Close()
}

func Get(_t *testing.T, url string, shouldBe int) *gabs.Container {
	response, responseErr := http.Get(url)
	require.Nil(_t, responseErr)
	defer response.Body.Close()

	assert.Equal(_t, shouldBe, response.StatusCode, fmt.Sprintf("Error -- Api GET %s Status: %s ; Should be %d", url, response.Status, shouldBe))

	body, bodyErr := ioutil.ReadAll(response.Body)
	require.Nil(_t, bodyErr)

	parsed, parseErr := gabs.ParseJSON(body)
	require.Nil(_t, parseErr, string(body))
	return parsed
}

func Stage(_t *testing.T, _cfg *models.Config, studyId string, fileName string) string {
	body := Get(_t, fmt.Sprintf(StagePath, _cfg.Api.Url, studyId, fileName), http.StatusAccepted)
	id, _ := body.Path("id").Data().(string)
	return id
}

func Merge(_t *testing.T, _cfg *models.Config, studyId string, fileId string) string {
	body := Get(_t, fmt.Sprintf(MergePath, _cfg.Api.Url, studyId, fileId), http.StatusAccepted)
	id, _ := body.Path("id").Data().(string)
	return id
}

// WaitForRequest polls the request list until id is finished and
// returns its state
func WaitForRequest(_t *testing.T, _cfg *models.Config, id string, timeout time.Duration) ingest.State {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		body := Get(_t, fmt.Sprintf(IngestionRequestsPath, _cfg.Api.Url), http.StatusOK)
		requests, _ := body.Path("requests").Children()
		for _, req := range requests {
			if req.Path("id").Data() != id {
				continue
			}
			state, _ := req.Path("state").Data().(string)
			if s := ingest.State(state); s == ingest.Done || s == ingest.Error {
				return s
			}
		}
		time.Sleep(time.Second)
	}
	_t.Fatalf("request %s not finished after %s", id, timeout)
	return ""
}

// NewVariantsTotal is the run-level count of new variants
func NewVariantsTotal(_t *testing.T, _cfg *models.Config) int {
	body := Get(_t, fmt.Sprintf(IngestionStatsPath, _cfg.Api.Url), http.StatusOK)
	total, ok := body.Path("totals.newVariants").Data().(float64)
	require.True(_t, ok, body.String())
	return int(total)
}
