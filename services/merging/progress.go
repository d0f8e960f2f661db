package merging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultProgressInterval = 1000

// Progress counts merged variants across workers and logs each time the
// count crosses a multiple of the interval
type Progress struct {
	total    int64
	interval int64
	done     int64
}

// NewProgress reports against total, which may be unknown (zero)
func NewProgress(total int64, interval int64) *Progress {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Progress{total: total, interval: interval}
}

func (p *Progress) Add(n int64) {
	if n <= 0 {
		return
	}
	after := atomic.AddInt64(&p.done, n)
	before := after - n
	if after/p.interval == before/p.interval {
		return
	}

	if p.total > 0 {
		zap.S().Infof("merged %d of %d variants (%.2f%%)", after, p.total, float64(after)*100/float64(p.total))
	} else {
		zap.S().Infof("merged %d variants", after)
	}
}

func (p *Progress) Done() int64 {
	return atomic.LoadInt64(&p.done)
}
