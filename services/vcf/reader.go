// Package vcf decodes VCF data lines into per-allele variant calls.
package vcf

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"gohan/ingest/models/calls"
	"gohan/ingest/models/constants"
	"gohan/ingest/models/constants/chromosome"
	vt "gohan/ingest/models/constants/variant-type"

	"github.com/ahmetb/go-linq"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize = 10000

	// length difference from which an allele is a structural variant
	SvLengthThreshold = 50

	maxLineLength = 64 * 1024 * 1024
)

var (
	ErrMissingHeader         = errors.New("no #CHROM header line")
	ErrMalformedLine         = errors.New("malformed data line")
	ErrUnsupportedChromosome = errors.New("unsupported chromosome")
)

var gzipMagic = []byte{0x1f, 0x8b}

type Reader struct {
	scanner *bufio.Scanner
	closers []io.Closer
	samples []string
	line    int
	skipped int
}

// Open reads a plain or gzipped VCF file
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	buffered := bufio.NewReader(f)
	head, _ := buffered.Peek(len(gzipMagic))

	var source io.Reader = buffered
	closers := []io.Closer{f}
	if bytes.Equal(head, gzipMagic) {
		gr, err := gzip.NewReader(buffered)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "opening gzip stream of %s", path)
		}
		source = gr
		closers = append([]io.Closer{gr}, closers...)
	}

	r, err := NewReader(source)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	r.closers = closers
	return r, nil
}

// NewReader consumes the meta lines and the #CHROM header of r
func NewReader(r io.Reader) (*Reader, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	reader := &Reader{scanner: scanner}
	for scanner.Scan() {
		reader.line++
		line := scanner.Text()
		if !strings.HasPrefix(line, "#CHROM") {
			continue
		}

		for _, header := range strings.Split(line, "\t") {
			// anything that is not a fixed column is a sample id
			column := strings.ToLower(strings.TrimSpace(strings.TrimLeft(header, "#")))
			if !linq.From(constants.VcfHeaders).Contains(column) {
				reader.samples = append(reader.samples, strings.TrimSpace(header))
			}
		}
		return reader, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning header")
	}
	return nil, ErrMissingHeader
}

// Samples is the file's sample list in column order
func (r *Reader) Samples() []string {
	return append([]string(nil), r.samples...)
}

// Skipped counts the data lines dropped for an unsupported chromosome
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the calls of the next data line, io.EOF when the file is
// exhausted
func (r *Reader) Next() ([]*calls.Call, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Text()
		if len(strings.TrimSpace(line)) == 0 || line[0] == '#' {
			continue
		}

		cs, err := ParseLine(line, len(r.samples))
		if errors.Is(err, ErrUnsupportedChromosome) {
			r.skipped++
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", r.line)
		}
		return cs, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scanning line %d", r.line+1)
	}
	return nil, io.EOF
}

// ReadBatches hands the calls to fn in batches of about size, stopping at
// the first error. It returns the number of calls delivered.
func (r *Reader) ReadBatches(ctx context.Context, size int, fn func([]*calls.Call) error) (int, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}

	delivered := 0
	batch := make([]*calls.Call, 0, size)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		delivered += len(batch)
		batch = make([]*calls.Call, 0, size)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		cs, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return delivered, err
		}

		batch = append(batch, cs...)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return delivered, err
			}
		}
	}

	if err := flush(); err != nil {
		return delivered, err
	}
	if r.skipped > 0 {
		zap.S().Infof("skipped %d lines on unsupported chromosomes", r.skipped)
	}
	return delivered, nil
}

func (r *Reader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// ParseLine splits a data line into one call per alternate allele
func ParseLine(line string, nSamples int) ([]*calls.Call, error) {
	columns := strings.Split(line, "\t")
	if len(columns) < 8 {
		return nil, errors.Wrapf(ErrMalformedLine, "%d columns", len(columns))
	}
	if nSamples > 0 && len(columns) != 9+nSamples {
		return nil, errors.Wrapf(ErrMalformedLine, "%d columns for %d samples", len(columns), nSamples)
	}

	chrom := chromosome.Normalize(columns[0])
	if !chromosome.IsValidHumanChromosome(chrom) {
		return nil, errors.Wrapf(ErrUnsupportedChromosome, "%q", columns[0])
	}

	pos, err := strconv.Atoi(strings.TrimSpace(columns[1]))
	if err != nil || pos <= 0 {
		return nil, errors.Wrapf(ErrMalformedLine, "position %q", columns[1])
	}

	ref := strings.ToUpper(strings.TrimSpace(columns[3]))
	if ref == "" || ref == "." {
		return nil, errors.Wrap(ErrMalformedLine, "empty reference")
	}

	info := parseInfo(columns[7])

	var format []string
	var rows [][]string
	if len(columns) > 8 {
		format = strings.Split(strings.TrimSpace(columns[8]), ":")
		for _, data := range columns[9:] {
			rows = append(rows, strings.Split(strings.TrimSpace(data), ":"))
		}
	}
	gtIndex := -1
	for i, f := range format {
		if f == "GT" {
			gtIndex = i
			break
		}
	}

	alts := strings.Split(strings.TrimSpace(columns[4]), ",")
	result := make([]*calls.Call, 0, len(alts))
	for i, alt := range alts {
		alt = strings.ToUpper(alt)
		call := &calls.Call{
			Chromosome: chrom,
			Start:      pos,
			End:        pos + len(ref) - 1,
			Id:         missingToEmpty(columns[2]),
			Reference:  ref,
			Alternate:  alt,
			Type:       InferType(ref, alt),
			Quality:    missingToEmpty(columns[5]),
			Filter:     missingToEmpty(columns[6]),
			Info:       info,
			Format:     format,
		}
		if call.Type == vt.Symbolic || call.Type == vt.SV {
			if end, err := strconv.Atoi(info["END"]); err == nil && end >= pos {
				call.End = end
			}
		}

		call.SampleData = make([][]string, len(rows))
		for s, row := range rows {
			values := append([]string(nil), row...)
			if gtIndex >= 0 && gtIndex < len(values) && len(alts) > 1 {
				values[gtIndex] = ReindexGenotype(values[gtIndex], i+1)
			}
			call.SampleData[s] = values
		}
		result = append(result, call)
	}
	return result, nil
}

// InferType classifies an alternate allele against its reference
func InferType(ref string, alt string) constants.VariantType {
	switch {
	case alt == "" || alt == "." || alt == "<NON_REF>" || alt == "<*>":
		return vt.NoVariation
	case alt == "*" || strings.HasPrefix(alt, "<") || strings.ContainsAny(alt, "[]"):
		return vt.Symbolic
	case len(ref) == 1 && len(alt) == 1:
		return vt.SNV
	case len(ref) == len(alt):
		return vt.MNV
	case abs(len(ref)-len(alt)) >= SvLengthThreshold:
		return vt.SV
	default:
		return vt.INDEL
	}
}

// ReindexGenotype rewrites gt for the allele-th alternate alone: that
// allele becomes 1, the reference stays 0 and every other allele is
// missing. Separators are kept.
func ReindexGenotype(gt string, allele int) string {
	target := strconv.Itoa(allele)

	var b strings.Builder
	start := 0
	for i := 0; i <= len(gt); i++ {
		if i < len(gt) && gt[i] != '/' && gt[i] != '|' {
			continue
		}
		switch token := gt[start:i]; token {
		case "0", ".":
			b.WriteString(token)
		case target:
			b.WriteString("1")
		default:
			b.WriteString(".")
		}
		if i < len(gt) {
			b.WriteByte(gt[i])
		}
		start = i + 1
	}
	return b.String()
}

func parseInfo(value string) map[string]string {
	value = strings.TrimSpace(value)
	if value == "" || value == "." {
		return nil
	}

	info := map[string]string{}
	for _, entry := range strings.Split(value, ";") {
		if entry == "" {
			continue
		}
		if eq := strings.Index(entry, "="); eq >= 0 {
			info[entry[:eq]] = entry[eq+1:]
		} else {
			// flag
			info[entry] = ""
		}
	}
	return info
}

func missingToEmpty(value string) string {
	value = strings.TrimSpace(value)
	if value == "." {
		return ""
	}
	return value
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
