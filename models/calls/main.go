package calls

import (
	"gohan/ingest/models/constants"
	vt "gohan/ingest/models/constants/variant-type"
	"gohan/ingest/models/keys"

	"github.com/pkg/errors"
)

// Call is one file's decoded observation of a variant.
// SampleData is ordered like the file's sample list; each
// row is ordered like Format, whose first field is GT.
type Call struct {
	Chromosome string                `json:"chrom"`
	Start      int                   `json:"start"`
	End        int                   `json:"end"`
	Id         string                `json:"id,omitempty"`
	Reference  string                `json:"ref"`
	Alternate  string                `json:"alt"`
	Type       constants.VariantType `json:"type"`
	Quality    string                `json:"qual,omitempty"`
	Filter     string                `json:"filter,omitempty"`
	Info       map[string]string     `json:"info,omitempty"`
	Format     []string              `json:"format,omitempty"`
	SampleData [][]string            `json:"samples,omitempty"`
}

var ErrSampleCountMismatch = errors.New("sample count mismatch")

func (c *Call) Key() keys.Key {
	return keys.New(c.Chromosome, c.Start, c.Reference, c.Alternate)
}

func (c *Call) Storable() bool {
	return vt.IsStorable(c.Type)
}

// Genotypes returns the GT value of every sample in file order;
// uncalled samples get the unknown genotype
func (c *Call) Genotypes() []string {
	gtIndex := -1
	for i, f := range c.Format {
		if f == "GT" {
			gtIndex = i
			break
		}
	}

	gts := make([]string, len(c.SampleData))
	for i, data := range c.SampleData {
		if gtIndex < 0 || gtIndex >= len(data) || constants.IsUncalled(data[gtIndex]) {
			gts[i] = constants.GT_UNKNOWN
			continue
		}
		gts[i] = data[gtIndex]
	}
	return gts
}

// GenotypeBuckets inverts the GT column into genotype -> samples,
// samples being the file's fixed ordered sample list
func (c *Call) GenotypeBuckets(samples []string) (map[string][]string, error) {
	gts := c.Genotypes()
	if len(gts) != len(samples) {
		return nil, errors.Wrapf(ErrSampleCountMismatch, "call %s has %d samples, file has %d",
			c.Key(), len(gts), len(samples))
	}

	buckets := make(map[string][]string)
	for i, gt := range gts {
		buckets[gt] = append(buckets[gt], samples[i])
	}
	return buckets, nil
}
