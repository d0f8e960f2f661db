package results

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WriteResult summarises the outcome of staging or merging some variants.
// It is a plain value; Merge never mutates either operand.
type WriteResult struct {
	NewVariants            int
	UpdatedVariants        int
	UpdatedMissingVariants int
	OverlappedVariants     int
	SkippedVariants        int
	NonInsertedVariants    int

	StageTime    time.Duration
	InsertTime   time.Duration
	UpdateTime   time.Duration
	FillGapsTime time.Duration

	Genotypes map[string]struct{}
}

func New() WriteResult {
	return WriteResult{Genotypes: map[string]struct{}{}}
}

func (r *WriteResult) AddGenotype(gts ...string) {
	if r.Genotypes == nil {
		r.Genotypes = map[string]struct{}{}
	}
	for _, gt := range gts {
		r.Genotypes[gt] = struct{}{}
	}
}

// Merge adds every counter and timing and unions the genotypes
func (r WriteResult) Merge(other WriteResult) WriteResult {
	merged := WriteResult{
		NewVariants:            r.NewVariants + other.NewVariants,
		UpdatedVariants:        r.UpdatedVariants + other.UpdatedVariants,
		UpdatedMissingVariants: r.UpdatedMissingVariants + other.UpdatedMissingVariants,
		OverlappedVariants:     r.OverlappedVariants + other.OverlappedVariants,
		SkippedVariants:        r.SkippedVariants + other.SkippedVariants,
		NonInsertedVariants:    r.NonInsertedVariants + other.NonInsertedVariants,

		StageTime:    r.StageTime + other.StageTime,
		InsertTime:   r.InsertTime + other.InsertTime,
		UpdateTime:   r.UpdateTime + other.UpdateTime,
		FillGapsTime: r.FillGapsTime + other.FillGapsTime,

		Genotypes: make(map[string]struct{}, len(r.Genotypes)+len(other.Genotypes)),
	}
	for gt := range r.Genotypes {
		merged.Genotypes[gt] = struct{}{}
	}
	for gt := range other.Genotypes {
		merged.Genotypes[gt] = struct{}{}
	}
	return merged
}

// GenotypeList is the sorted genotype vocabulary
func (r WriteResult) GenotypeList() []string {
	list := make([]string, 0, len(r.Genotypes))
	for gt := range r.Genotypes {
		list = append(list, gt)
	}
	sort.Strings(list)
	return list
}

func (r WriteResult) String() string {
	return fmt.Sprintf("new: %d, updated: %d, updated missing: %d, overlapped: %d, skipped: %d, non inserted: %d; "+
		"stage: %s, insert: %s, update: %s, fill gaps: %s; genotypes: [%s]",
		r.NewVariants, r.UpdatedVariants, r.UpdatedMissingVariants,
		r.OverlappedVariants, r.SkippedVariants, r.NonInsertedVariants,
		r.StageTime, r.InsertTime, r.UpdateTime, r.FillGapsTime,
		strings.Join(r.GenotypeList(), ", "))
}

type writeResultDTO struct {
	NewVariants            int      `json:"newVariants"`
	UpdatedVariants        int      `json:"updatedVariants"`
	UpdatedMissingVariants int      `json:"updatedMissingVariants"`
	OverlappedVariants     int      `json:"overlappedVariants"`
	SkippedVariants        int      `json:"skippedVariants"`
	NonInsertedVariants    int      `json:"nonInsertedVariants"`
	StageTimeMs            int64    `json:"stageTimeMs"`
	InsertTimeMs           int64    `json:"insertTimeMs"`
	UpdateTimeMs           int64    `json:"updateTimeMs"`
	FillGapsTimeMs         int64    `json:"fillGapsTimeMs"`
	Genotypes              []string `json:"genotypes"`
}

func (r WriteResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(writeResultDTO{
		NewVariants:            r.NewVariants,
		UpdatedVariants:        r.UpdatedVariants,
		UpdatedMissingVariants: r.UpdatedMissingVariants,
		OverlappedVariants:     r.OverlappedVariants,
		SkippedVariants:        r.SkippedVariants,
		NonInsertedVariants:    r.NonInsertedVariants,
		StageTimeMs:            r.StageTime.Milliseconds(),
		InsertTimeMs:           r.InsertTime.Milliseconds(),
		UpdateTimeMs:           r.UpdateTime.Milliseconds(),
		FillGapsTimeMs:         r.FillGapsTime.Milliseconds(),
		Genotypes:              r.GenotypeList(),
	})
}
