package indexes

import (
	"encoding/base64"
	"encoding/json"

	"gohan/ingest/models/keys"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// staged document field names
const (
	StagedKeyField = "key"
	StagedEndField = "end"
	StagedRefField = "ref"
	StagedAltField = "alt"

	StagedNewStudyField = "new"
)

var ErrInvalidDocument = errors.New("invalid document")

// IsReservedStagedField guards study and file ids against
// clashing with the positional and marker fields
func IsReservedStagedField(name string) bool {
	switch name {
	case StagedKeyField, StagedEndField, StagedRefField, StagedAltField, StagedNewStudyField, "":
		return true
	}
	return false
}

type stagedFixedFields struct {
	End       *int   `mapstructure:"end"`
	Reference string `mapstructure:"ref"`
	Alternate string `mapstructure:"alt"`
}

// ToSource renders the document the way it is stored
func (d *StagedDocument) ToSource() map[string]interface{} {
	source := map[string]interface{}{
		StagedKeyField: d.Id(),
		StagedEndField: d.End,
		StagedRefField: d.Reference,
		StagedAltField: d.Alternate,
	}
	for studyId, study := range d.Studies {
		studySource := map[string]interface{}{
			StagedNewStudyField: study.New,
		}
		for fileId, payloads := range study.Files {
			studySource[fileId] = EncodePayloads(payloads)
		}
		source[studyId] = studySource
	}
	return source
}

// StagedDocumentFromSource validates and converts a stored document.
// A study without the new marker reads as new.
func StagedDocumentFromSource(id string, source map[string]interface{}) (*StagedDocument, error) {
	key, err := keys.Parse(id)
	if err != nil {
		return nil, err
	}

	var fixed stagedFixedFields
	if err := mapstructure.Decode(source, &fixed); err != nil {
		return nil, errors.Wrapf(ErrInvalidDocument, "staged %s: %s", id, err)
	}
	if fixed.End == nil {
		return nil, errors.Wrapf(ErrInvalidDocument, "staged %s: missing %q", id, StagedEndField)
	}

	doc := &StagedDocument{
		Key:       key,
		End:       *fixed.End,
		Reference: fixed.Reference,
		Alternate: fixed.Alternate,
		Studies:   map[string]*StagedStudy{},
	}

	for field, value := range source {
		if IsReservedStagedField(field) {
			continue
		}
		studySource, ok := value.(map[string]interface{})
		if !ok {
			return nil, errors.Wrapf(ErrInvalidDocument, "staged %s: study %q is %T", id, field, value)
		}

		study := &StagedStudy{New: true, Files: map[string][][]byte{}}
		for name, entry := range studySource {
			if name == StagedNewStudyField {
				isNew, ok := entry.(bool)
				if !ok {
					return nil, errors.Wrapf(ErrInvalidDocument, "staged %s: %s.%s is %T", id, field, name, entry)
				}
				study.New = isNew
				continue
			}
			payloads, err := decodePayloads(entry)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidDocument, "staged %s: %s.%s: %s", id, field, name, err)
			}
			study.Files[name] = payloads
		}
		doc.Studies[field] = study
	}

	return doc, nil
}

func EncodePayloads(payloads [][]byte) []interface{} {
	encoded := make([]interface{}, len(payloads))
	for i, p := range payloads {
		encoded[i] = base64.StdEncoding.EncodeToString(p)
	}
	return encoded
}

func decodePayloads(entry interface{}) ([][]byte, error) {
	var items []interface{}
	switch typed := entry.(type) {
	case []interface{}:
		items = typed
	case []string:
		for _, s := range typed {
			items = append(items, s)
		}
	default:
		return nil, errors.Errorf("expected an array of payloads, got %T", entry)
	}

	payloads := make([][]byte, 0, len(items))
	for _, item := range items {
		switch typed := item.(type) {
		case string:
			raw, err := base64.StdEncoding.DecodeString(typed)
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, raw)
		case []byte:
			payloads = append(payloads, typed)
		default:
			return nil, errors.Errorf("unexpected payload %T", item)
		}
	}
	return payloads, nil
}

// ToSource renders the canonical document through its json form
func (v *CanonicalVariant) ToSource() (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding variant %s", v.Key)
	}
	source := make(map[string]interface{})
	if err := json.Unmarshal(raw, &source); err != nil {
		return nil, errors.Wrapf(err, "encoding variant %s", v.Key)
	}
	return source, nil
}

func CanonicalVariantFromSource(source map[string]interface{}) (*CanonicalVariant, error) {
	var variant CanonicalVariant
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &variant,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(source); err != nil {
		return nil, errors.Wrapf(ErrInvalidDocument, "variant: %s", err)
	}
	if variant.Key == "" {
		return nil, errors.Wrapf(ErrInvalidDocument, "variant: missing %q", StagedKeyField)
	}
	return &variant, nil
}
