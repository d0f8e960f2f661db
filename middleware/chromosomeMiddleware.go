package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"gohan/ingest/contexts"
	"gohan/ingest/models/constants/chromosome"
	"gohan/ingest/models/dtos/errors"

	"github.com/labstack/echo"
)

/*
	Echo middleware to ensure the optional `chromosomes` HTTP query parameter
	only lists human chromosomes
*/
func ValidateChromosomesAttribute(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		gc := c.(*contexts.GohanContext)

		chromQP := c.QueryParam("chromosomes")
		if len(chromQP) == 0 {
			// merge every chromosome
			return next(gc)
		}

		var chromosomes []string
		for _, chrom := range strings.Split(chromQP, ",") {
			if strings.TrimSpace(chrom) == "" {
				continue
			}
			normalized := chromosome.Normalize(chrom)
			if !chromosome.IsValidHumanChromosome(normalized) {
				return c.JSON(http.StatusBadRequest, errors.CreateSimpleBadRequest(fmt.Sprintf("invalid chromosome %s", chrom)))
			}
			chromosomes = append(chromosomes, normalized)
		}
		gc.Chromosomes = chromosomes

		return next(gc)
	}
}
