package api

import (
	"net/http"

	"gohan/ingest/contexts"
	gam "gohan/ingest/middleware"
	"gohan/ingest/models"
	serviceInfo "gohan/ingest/models/constants/service-info"
	"gohan/ingest/mvc/ingestion"
	serviceInfoMvc "gohan/ingest/mvc/service-info"
	"gohan/ingest/services"

	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewServer registers every route; health may be nil
func NewServer(cfg *models.Config, iz *services.IngestionService, health http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Configure Server
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.PUT, echo.POST, echo.DELETE},
	}))

	// -- Override handlers with "custom Gohan" context
	//		to be able to provide variables and global singletons
	e.Use(func(h echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &contexts.GohanContext{
				Context:          c,
				Config:           cfg,
				IngestionService: iz,
			}
			return h(cc)
		}
	})

	// Begin MVC Routes
	// -- Root
	e.GET("/", func(c echo.Context) error {
		zap.S().Info("Root hit!")
		return c.JSON(http.StatusOK, serviceInfo.SERVICE_WELCOME)
	})

	// -- Service Info
	e.GET("/service-info", serviceInfoMvc.GetServiceInfo)

	// -- Observability
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if health != nil {
		e.GET("/health/*", echo.WrapHandler(http.StripPrefix("/health", health)))
	}

	// -- Ingestion
	e.GET("/variants/ingestion/stage", ingestion.VariantsStage,
		// middleware
		gam.MandateStudyAttribute)
	e.GET("/variants/ingestion/merge", ingestion.VariantsMerge,
		// middleware
		gam.MandateStudyAttribute,
		gam.ValidateChromosomesAttribute)
	e.GET("/variants/ingestion/requests", ingestion.GetAllVariantIngestionRequests)
	e.GET("/variants/ingestion/stats", ingestion.VariantsIngestionStats)

	return e
}
