package results

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	variantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohan_ingest_variants_total",
			Help: "Variants written by the ingestion pipeline, by outcome",
		},
		[]string{"outcome"},
	)
	phaseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gohan_ingest_phase_duration_seconds",
			Help:    "Duration of each ingestion phase per written batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"phase"},
	)
)

// Accumulator is the running total shared by concurrent workers
type Accumulator struct {
	mux   sync.Mutex
	total WriteResult
}

func NewAccumulator() *Accumulator {
	return &Accumulator{total: New()}
}

func (a *Accumulator) Add(r WriteResult) {
	a.mux.Lock()
	a.total = a.total.Merge(r)
	a.mux.Unlock()

	publish(r)
}

func (a *Accumulator) Total() WriteResult {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.total.Merge(WriteResult{})
}

func publish(r WriteResult) {
	variantsTotal.WithLabelValues("new").Add(float64(r.NewVariants))
	variantsTotal.WithLabelValues("updated").Add(float64(r.UpdatedVariants))
	variantsTotal.WithLabelValues("updated_missing").Add(float64(r.UpdatedMissingVariants))
	variantsTotal.WithLabelValues("overlapped").Add(float64(r.OverlappedVariants))
	variantsTotal.WithLabelValues("skipped").Add(float64(r.SkippedVariants))
	variantsTotal.WithLabelValues("non_inserted").Add(float64(r.NonInsertedVariants))

	for phase, d := range map[string]time.Duration{
		"stage":     r.StageTime,
		"insert":    r.InsertTime,
		"update":    r.UpdateTime,
		"fill_gaps": r.FillGapsTime,
	} {
		// phases a batch never ran are not observed
		if d > 0 {
			phaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
		}
	}
}
