package dtos

import (
	"time"

	"gohan/ingest/models/ingest"
	"gohan/ingest/models/results"
)

type GeneralErrorResponseDto struct {
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Errors    []GeneralError `json:"errors"`
}

type GeneralError struct {
	Message string `json:"message"`
}

type IngestRequestsResponseDto struct {
	Count    int                     `json:"count"`
	Requests []*ingest.IngestRequest `json:"requests"`
}

// IngestionStatsDto is the run-level total since the service started
type IngestionStatsDto struct {
	Totals   results.WriteResult `json:"totals"`
	Queued   int                 `json:"queued"`
	Running  int                 `json:"running"`
	Finished int                 `json:"finished"`
}
