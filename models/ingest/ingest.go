package ingest

import (
	"time"

	"gohan/ingest/models/results"

	"github.com/google/uuid"
)

type State string

const (
	Queued  State = "Queued"
	Running State = "Running"
	Done    State = "Done"
	Error   State = "Error"
)

type Kind string

const (
	Stage Kind = "stage"
	Merge Kind = "merge"
)

type IngestRequest struct {
	Id        uuid.UUID            `json:"id"`
	Kind      Kind                 `json:"kind"`
	StudyId   string               `json:"studyId"`
	Files     []string             `json:"files"`
	State     State                `json:"state"`
	Message   string               `json:"message"`
	Result    *results.WriteResult `json:"result,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

func (r *IngestRequest) Finished() bool {
	return r.State == Done || r.State == Error
}

type IngestResponseDTO struct {
	Id      uuid.UUID `json:"id"`
	Kind    Kind      `json:"kind"`
	StudyId string    `json:"studyId"`
	Files   []string  `json:"files"`
	State   State     `json:"state"`
	Message string    `json:"message"`
}
