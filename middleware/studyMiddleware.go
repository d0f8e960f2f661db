package middleware

import (
	"fmt"
	"net/http"
	"regexp"

	"gohan/ingest/contexts"
	"gohan/ingest/models/dtos/errors"

	"github.com/labstack/echo"
	"go.uber.org/zap"
)

// study ids name fields of the staged documents
var validStudyId = regexp.MustCompile(`^[A-Za-z0-9_\-:]+$`)

/*
Echo middleware to ensure a valid `studyId` HTTP query parameter was provided
*/
func MandateStudyAttribute(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		studyId := c.QueryParam("studyId")
		if len(studyId) == 0 {
			return c.JSON(http.StatusBadRequest, errors.CreateSimpleBadRequest("missing studyId"))
		}

		if !validStudyId.MatchString(studyId) {
			zap.S().Debugf("Invalid study %s", studyId)

			return c.JSON(http.StatusBadRequest, errors.CreateSimpleBadRequest(fmt.Sprintf("invalid studyId %s - use letters, digits, '_', '-' or ':'", studyId)))
		}

		// forward a validated value down the pipeline
		gc := c.(*contexts.GohanContext)
		gc.StudyId = studyId

		return next(gc)
	}
}
