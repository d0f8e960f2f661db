package contexts

import (
	"gohan/ingest/models"
	"gohan/ingest/services"

	"github.com/labstack/echo"
)

type (
	// "Helper" Context to pass into routes that need
	//  the ingestion service and other variables
	GohanContext struct {
		echo.Context
		Config           *models.Config
		IngestionService *services.IngestionService

		// set by the query parameter middlewares
		StudyId     string
		Chromosomes []string
	}
)
