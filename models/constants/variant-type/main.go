package variantType

import (
	"gohan/ingest/models/constants"
	"strings"
)

const (
	Unknown constants.VariantType = ""

	SNV   constants.VariantType = "SNV"
	MNV   constants.VariantType = "MNV"
	INDEL constants.VariantType = "INDEL"
	SV    constants.VariantType = "SV"

	// never individually stored
	NoVariation constants.VariantType = "NO_VARIATION"
	Symbolic    constants.VariantType = "SYMBOLIC"
)

func CastToVariantType(text string) constants.VariantType {
	switch strings.ToUpper(text) {
	case "SNV", "SNP":
		return SNV
	case "MNV", "MNP":
		return MNV
	case "INDEL":
		return INDEL
	case "SV":
		return SV
	case "NO_VARIATION":
		return NoVariation
	case "SYMBOLIC":
		return Symbolic
	default:
		return Unknown
	}
}

// IsStorable is false for the call types that carry
// no genotype information worth staging
func IsStorable(t constants.VariantType) bool {
	return t != NoVariation && t != Symbolic
}
