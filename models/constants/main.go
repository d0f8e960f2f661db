package constants

/*
	Defines a set of base level
	constants and enums to be used
	throughout the ingestion pipeline
	and it's associated services.
*/
type VariantType string

type MergePhase string

type Genotype = string

// VcfHeaders are the fixed columns of a VCF data line;
// every other header column is a sample id
var VcfHeaders = []string{"chrom", "pos", "id", "ref", "alt", "qual", "filter", "info", "format"}
