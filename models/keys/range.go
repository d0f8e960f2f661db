package keys

import (
	"fmt"
	"strings"

	"gohan/ingest/models/constants/chromosome"
)

// Range restricts a scan to a chromosome, optionally bounded by
// start positions. A zero End means "until the end of the chromosome".
type Range struct {
	Chromosome string
	Start      int
	End        int
}

func NewChromosomeRange(chrom string) Range {
	return Range{Chromosome: chromosome.Normalize(chrom)}
}

// Bounds returns the [gte, lt) pair over rendered keys covered by the range
func (r Range) Bounds() (string, string) {
	prefix := Prefix(r.Chromosome)

	lower := prefix
	if r.Start > 0 {
		lower = fmt.Sprintf("%s%0*d", prefix, positionWidth, r.Start)
	}

	// ';' is the byte right after the separator, closing the chromosome
	upper := strings.TrimSuffix(prefix, separator) + ";"
	if r.End > 0 {
		upper = fmt.Sprintf("%s%0*d", prefix, positionWidth, r.End+1)
	}
	return lower, upper
}

func (r Range) Contains(k Key) bool {
	lower, upper := r.Bounds()
	id := k.String()
	return id >= lower && id < upper
}

func (r Range) String() string {
	if r.Start == 0 && r.End == 0 {
		return r.Chromosome
	}
	return fmt.Sprintf("%s:%d-%d", r.Chromosome, r.Start, r.End)
}

// Interval is a closed genomic interval on one chromosome
type Interval struct {
	Chromosome string
	Start      int
	End        int
}

// NewInterval treats an interval ending before its start
// (an insertion) as the single position at start
func NewInterval(chrom string, start int, end int) Interval {
	if end < start {
		end = start
	}
	return Interval{Chromosome: chrom, Start: start, End: end}
}

func (i Interval) Overlaps(other Interval) bool {
	return i.Chromosome == other.Chromosome &&
		i.Start <= other.End &&
		other.Start <= i.End
}

// Union is the envelope of both intervals; only meaningful on one chromosome
func (i Interval) Union(other Interval) Interval {
	u := i
	if other.Start < u.Start {
		u.Start = other.Start
	}
	if other.End > u.End {
		u.End = other.End
	}
	return u
}
