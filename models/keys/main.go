// Package keys builds the storage identity of a variant.
//
// A rendered key sorts lexicographically in genomic order: the chromosome is
// left padded to two characters and the start position is zero padded to ten
// digits, so a store-native ascending sort over the id is an ascending scan of
// each chromosome.
package keys

import (
	"fmt"
	"strconv"
	"strings"

	"gohan/ingest/models/constants/chromosome"

	"github.com/pkg/errors"
)

const (
	separator = ":"

	chromosomeWidth = 2
	positionWidth   = 10
)

var ErrMalformedKey = errors.New("malformed variant key")

type Key struct {
	Chromosome string
	Start      int
	Reference  string
	Alternate  string
}

func New(chrom string, start int, ref string, alt string) Key {
	return Key{
		Chromosome: chromosome.Normalize(chrom),
		Start:      start,
		Reference:  ref,
		Alternate:  alt,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s%s%0*d%s%s%s%s",
		padChromosome(k.Chromosome), separator,
		positionWidth, k.Start, separator,
		k.Reference, separator,
		k.Alternate)
}

// Parse inverts String
func Parse(id string) (Key, error) {
	parts := strings.SplitN(id, separator, 4)
	if len(parts) != 4 {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q", id)
	}
	if len(parts[1]) != positionWidth {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q: position is not %d digits wide", id, positionWidth)
	}
	start, err := strconv.Atoi(parts[1])
	if err != nil {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q: %s", id, err)
	}
	chrom := strings.TrimSpace(parts[0])
	if chrom == "" {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q: empty chromosome", id)
	}

	return Key{
		Chromosome: chrom,
		Start:      start,
		Reference:  parts[2],
		Alternate:  parts[3],
	}, nil
}

// Prefix is the common leading part of every key on a chromosome
func Prefix(chrom string) string {
	return padChromosome(chromosome.Normalize(chrom)) + separator
}

func padChromosome(chrom string) string {
	if len(chrom) >= chromosomeWidth {
		return chrom
	}
	return strings.Repeat(" ", chromosomeWidth-len(chrom)) + chrom
}
