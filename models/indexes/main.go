package indexes

import (
	"sort"

	c "gohan/ingest/models/constants"
	"gohan/ingest/models/keys"
)

// StagedDocument is the staging-index view of one variant key:
// immutable positional fields plus every (study, file) contribution
// still waiting to be merged.
type StagedDocument struct {
	Key       keys.Key
	End       int
	Reference string
	Alternate string

	Studies map[string]*StagedStudy
}

// StagedStudy holds, per file, the raw payloads staged at this key.
// More than one payload for a file is an unresolved duplicate.
type StagedStudy struct {
	New   bool
	Files map[string][][]byte
}

func (d *StagedDocument) Id() string {
	return d.Key.String()
}

func (d *StagedDocument) Interval() keys.Interval {
	return keys.NewInterval(d.Key.Chromosome, d.Key.Start, d.End)
}

func (d *StagedDocument) Study(studyId string) *StagedStudy {
	if d.Studies == nil {
		return nil
	}
	return d.Studies[studyId]
}

// IsNewVariant is only true when nothing but this study,
// still unmerged, has ever been staged at this key
func (d *StagedDocument) IsNewVariant(studyId string) bool {
	study := d.Study(studyId)
	return study != nil && study.New && len(d.Studies) == 1
}

// CanonicalVariant is the merged, per-variant document
type CanonicalVariant struct {
	Key        string        `json:"key" mapstructure:"key"`
	Chromosome string        `json:"chrom" mapstructure:"chrom"`
	Start      int           `json:"start" mapstructure:"start"`
	End        int           `json:"end" mapstructure:"end"`
	Reference  string        `json:"ref" mapstructure:"ref"`
	Alternate  string        `json:"alt" mapstructure:"alt"`
	Type       c.VariantType `json:"type" mapstructure:"type"`
	Ids        []string      `json:"ids,omitempty" mapstructure:"ids"`
	Studies    []*StudyEntry `json:"studies" mapstructure:"studies"`
}

type StudyEntry struct {
	StudyId   string              `json:"studyId" mapstructure:"studyId"`
	Files     []FileEntry         `json:"files" mapstructure:"files"`
	Genotypes map[string][]string `json:"gt" mapstructure:"gt"`
}

// FileEntry is the provenance of one file's call at a variant
type FileEntry struct {
	FileId  string            `json:"fileId" mapstructure:"fileId"`
	Id      string            `json:"id,omitempty" mapstructure:"id"`
	Quality string            `json:"qual,omitempty" mapstructure:"qual"`
	Filter  string            `json:"filter,omitempty" mapstructure:"filter"`
	Info    map[string]string `json:"info,omitempty" mapstructure:"info"`
}

func (v *CanonicalVariant) Study(studyId string) *StudyEntry {
	for _, s := range v.Studies {
		if s.StudyId == studyId {
			return s
		}
	}
	return nil
}

func NewStudyEntry(studyId string) *StudyEntry {
	return &StudyEntry{
		StudyId:   studyId,
		Files:     []FileEntry{},
		Genotypes: map[string][]string{},
	}
}

// AddSamples moves the samples into the gt bucket. A sample is first
// removed from any other bucket so it is never held twice; emptied
// buckets are dropped
func (s *StudyEntry) AddSamples(gt string, samples []string) {
	if len(samples) == 0 {
		return
	}
	if s.Genotypes == nil {
		s.Genotypes = map[string][]string{}
	}

	moving := make(map[string]bool, len(samples))
	for _, sample := range samples {
		moving[sample] = true
	}

	for bucket, held := range s.Genotypes {
		if bucket == gt {
			continue
		}
		kept := held[:0:0]
		for _, sample := range held {
			if !moving[sample] {
				kept = append(kept, sample)
			}
		}
		if len(kept) == 0 {
			delete(s.Genotypes, bucket)
		} else {
			s.Genotypes[bucket] = kept
		}
	}

	present := make(map[string]bool, len(s.Genotypes[gt]))
	for _, sample := range s.Genotypes[gt] {
		present[sample] = true
	}
	for _, sample := range samples {
		if !present[sample] {
			s.Genotypes[gt] = append(s.Genotypes[gt], sample)
			present[sample] = true
		}
	}
}

// AddFile appends a provenance entry unless the file is already listed
func (s *StudyEntry) AddFile(file FileEntry) {
	for _, f := range s.Files {
		if f.FileId == file.FileId {
			return
		}
	}
	s.Files = append(s.Files, file)
}

// Merge folds other into s with the same rules as AddSamples and AddFile
func (s *StudyEntry) Merge(other *StudyEntry) {
	for _, f := range other.Files {
		s.AddFile(f)
	}
	for _, gt := range other.GenotypeNames() {
		s.AddSamples(gt, other.Genotypes[gt])
	}
}

// Samples is every sample held in any bucket
func (s *StudyEntry) Samples() []string {
	var all []string
	for _, gt := range s.GenotypeNames() {
		all = append(all, s.Genotypes[gt]...)
	}
	return all
}

// GenotypeNames lists the buckets in a stable order
func (s *StudyEntry) GenotypeNames() []string {
	names := make([]string, 0, len(s.Genotypes))
	for gt := range s.Genotypes {
		names = append(names, gt)
	}
	sort.Strings(names)
	return names
}

func (s *StudyEntry) Clone() *StudyEntry {
	clone := NewStudyEntry(s.StudyId)
	clone.Files = append(clone.Files, s.Files...)
	for gt, samples := range s.Genotypes {
		clone.Genotypes[gt] = append([]string(nil), samples...)
	}
	return clone
}
