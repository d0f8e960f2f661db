package utils

import (
	"time"

	"gohan/ingest/models"

	"github.com/cenkalti/backoff"
	es7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func CreateEsConnection(cfg *models.Config) (*es7.Client, error) {
	var (
		clusterURLs  = []string{cfg.Elasticsearch.Url} // TODO: Add more URLs if necessary
		retryBackoff = backoff.NewExponentialBackOff()
	)

	esCfg := es7.Config{
		Addresses: clusterURLs,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,

		RetryOnStatus: []int{502, 503, 504, 429},

		// Configure the backoff function
		//
		RetryBackoff: func(i int) time.Duration {
			if i == 1 {
				retryBackoff.Reset()
			}
			return retryBackoff.NextBackOff()
		},

		// Retry up to 5 attempts
		//
		MaxRetries: 5,
	}

	es7Client, err := es7.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", cfg.Elasticsearch.Url)
	}

	zap.S().Infof("Using ES7 Client Version %s", es7.Version)

	return es7Client, nil
}
