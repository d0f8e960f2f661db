package mergePhase

import (
	"gohan/ingest/models/constants"
)

// Phases of a merge batch, in execution order
const (
	Insert      constants.MergePhase = "insert"
	Existing    constants.MergePhase = "existing"
	FillGaps    constants.MergePhase = "fill-gaps"
	StageMarker constants.MergePhase = "stage-marker"
)
