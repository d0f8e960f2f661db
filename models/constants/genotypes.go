package constants

const (
	// samples with no informative call at a variant
	GT_UNKNOWN Genotype = "?/?"

	GT_MISSING_DIPLOID Genotype = "./."
	GT_MISSING_HAPLOID Genotype = "."
)

// IsUncalled reports whether a raw GT value carries no information
func IsUncalled(gt string) bool {
	switch gt {
	case "", GT_MISSING_HAPLOID, GT_MISSING_DIPLOID, ".|.":
		return true
	}
	return false
}
