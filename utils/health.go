package utils

import (
	"context"
	"time"

	es7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
)

// NewHealthHandler serves /live and /ready; readiness pings elasticsearch
func NewHealthHandler(es *es7.Client, timeout time.Duration) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("elasticsearch", healthcheck.Timeout(EsPingCheck(es), timeout))
	return health
}

func EsPingCheck(es *es7.Client) healthcheck.Check {
	return func() error {
		res, err := es.Ping(es.Ping.WithContext(context.Background()))
		if err != nil {
			return errors.Wrap(err, "pinging elasticsearch")
		}
		defer res.Body.Close()
		if res.IsError() {
			return errors.Errorf("elasticsearch ping answered %s", res.Status())
		}
		return nil
	}
}
