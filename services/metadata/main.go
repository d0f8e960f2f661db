// Package metadata resolves which samples a study indexes and the fixed
// sample order of each of its files.
package metadata

import (
	"io/ioutil"
	"os"
	"sync"

	"gohan/ingest/models/indexes"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type Provider interface {
	// FileSamples is the sample list of a file, in the file's column order
	FileSamples(studyId string, fileId string) ([]string, error)
	// StudySamples is every sample indexed by the study
	StudySamples(studyId string) ([]string, error)
}

var (
	ErrUnknownStudy = errors.New("unknown study")
	ErrUnknownFile  = errors.New("unknown file")
	ErrConflict     = errors.New("file already registered with other samples")
)

type Manifest struct {
	Studies []StudyManifest `yaml:"studies"`
}

type StudyManifest struct {
	Id    string         `yaml:"id"`
	Files []FileManifest `yaml:"files"`
}

type FileManifest struct {
	Id      string   `yaml:"id"`
	Samples []string `yaml:"samples"`
}

type study struct {
	files map[string][]string
	order []string
}

// StaticProvider keeps the registrations in memory
type StaticProvider struct {
	mux     sync.RWMutex
	studies map[string]*study
	order   []string
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{studies: map[string]*study{}}
}

// RegisterFile records the ordered samples of a file. Registering the
// same file again is allowed only with the same samples.
func (p *StaticProvider) RegisterFile(studyId string, fileId string, samples []string) error {
	if studyId == "" || fileId == "" {
		return errors.Errorf("registering %q/%q: empty id", studyId, fileId)
	}
	if indexes.IsReservedStagedField(studyId) || indexes.IsReservedStagedField(fileId) {
		return errors.Errorf("registering %q/%q: reserved id", studyId, fileId)
	}

	p.mux.Lock()
	defer p.mux.Unlock()

	s, ok := p.studies[studyId]
	if !ok {
		s = &study{files: map[string][]string{}}
		p.studies[studyId] = s
		p.order = append(p.order, studyId)
	}

	if held, ok := s.files[fileId]; ok {
		if !sameSamples(held, samples) {
			return errors.Wrapf(ErrConflict, "%s/%s", studyId, fileId)
		}
		return nil
	}

	s.files[fileId] = append([]string(nil), samples...)
	s.order = append(s.order, fileId)
	return nil
}

func (p *StaticProvider) FileSamples(studyId string, fileId string) ([]string, error) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	s, ok := p.studies[studyId]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStudy, "%q", studyId)
	}
	samples, ok := s.files[fileId]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFile, "%q in study %q", fileId, studyId)
	}
	return append([]string(nil), samples...), nil
}

// StudySamples lists the samples of every file of the study, first
// registration first
func (p *StaticProvider) StudySamples(studyId string) ([]string, error) {
	p.mux.RLock()
	defer p.mux.RUnlock()

	s, ok := p.studies[studyId]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStudy, "%q", studyId)
	}

	seen := map[string]bool{}
	var all []string
	for _, fileId := range s.order {
		for _, sample := range s.files[fileId] {
			if !seen[sample] {
				seen[sample] = true
				all = append(all, sample)
			}
		}
	}
	return all, nil
}

// Files lists the registered files of a study
func (p *StaticProvider) Files(studyId string) []string {
	p.mux.RLock()
	defer p.mux.RUnlock()

	s, ok := p.studies[studyId]
	if !ok {
		return nil
	}
	return append([]string(nil), s.order...)
}

func (p *StaticProvider) Manifest() Manifest {
	p.mux.RLock()
	defer p.mux.RUnlock()

	var m Manifest
	for _, studyId := range p.order {
		s := p.studies[studyId]
		sm := StudyManifest{Id: studyId}
		for _, fileId := range s.order {
			sm.Files = append(sm.Files, FileManifest{Id: fileId, Samples: s.files[fileId]})
		}
		m.Studies = append(m.Studies, sm)
	}
	return m
}

func (p *StaticProvider) load(m Manifest) error {
	for _, s := range m.Studies {
		for _, f := range s.Files {
			if err := p.RegisterFile(s.Id, f.Id, f.Samples); err != nil {
				return err
			}
		}
	}
	return nil
}

// YamlProvider is a StaticProvider persisted to a yaml manifest
type YamlProvider struct {
	*StaticProvider
	path  string
	write sync.Mutex
}

// NewYamlProvider loads the manifest at path; a missing file is an
// empty manifest
func NewYamlProvider(path string) (*YamlProvider, error) {
	p := &YamlProvider{StaticProvider: NewStaticProvider(), path: path}

	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		zap.S().Infof("no study manifest at %s, starting empty", path)
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading study manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing study manifest %s", path)
	}
	if err := p.load(m); err != nil {
		return nil, errors.Wrapf(err, "loading study manifest %s", path)
	}
	return p, nil
}

// RegisterFile registers the file and rewrites the manifest
func (p *YamlProvider) RegisterFile(studyId string, fileId string, samples []string) error {
	if err := p.StaticProvider.RegisterFile(studyId, fileId, samples); err != nil {
		return err
	}

	p.write.Lock()
	defer p.write.Unlock()

	raw, err := yaml.Marshal(p.Manifest())
	if err != nil {
		return errors.Wrap(err, "encoding study manifest")
	}
	if err := ioutil.WriteFile(p.path, raw, 0644); err != nil {
		return errors.Wrapf(err, "writing study manifest %s", p.path)
	}
	return nil
}

func sameSamples(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
