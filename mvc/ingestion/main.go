package ingestion

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gohan/ingest/contexts"
	"gohan/ingest/models/dtos"
	"gohan/ingest/models/dtos/errors"
	"gohan/ingest/models/ingest"
	"gohan/ingest/services"
	"gohan/ingest/services/metadata"

	pkgErrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/labstack/echo"
)

func VariantsStage(c echo.Context) error {
	zap.S().Info("VariantsStage hit!")
	gc := c.(*contexts.GohanContext)
	cfg := gc.Config
	ingestionService := gc.IngestionService

	fileNames := splitQueryParam(c.QueryParam("fileNames"))
	if len(fileNames) == 0 {
		return c.JSON(http.StatusBadRequest, errors.CreateSimpleBadRequest("missing fileNames"))
	}

	resume := false
	if qp := c.QueryParam("resume"); qp != "" {
		parsed, err := strconv.ParseBool(qp)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errors.CreateSimpleBadRequest(fmt.Sprintf("invalid resume %s", qp)))
		}
		resume = parsed
	}

	// only files found directly under the vcf path are staged
	for _, fileName := range fileNames {
		if _, err := os.Stat(filepath.Join(cfg.Api.VcfPath, filepath.Base(fileName))); err != nil {
			return c.JSON(http.StatusNotFound, errors.CreateSimpleNotFound(fmt.Sprintf("file %s not found", fileName)))
		}
	}

	req, err := ingestionService.QueueStage(gc.StudyId, fileNames, resume)
	if err != nil {
		if pkgErrors.Is(err, services.ErrAlreadyRunning) {
			return c.JSON(http.StatusConflict, errors.CreateSimpleConflict(err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, errors.CreateSimpleInternalServerError(err.Error()))
	}

	return c.JSON(http.StatusAccepted, toResponse(req))
}

func VariantsMerge(c echo.Context) error {
	zap.S().Info("VariantsMerge hit!")
	gc := c.(*contexts.GohanContext)
	ingestionService := gc.IngestionService

	fileIds := splitQueryParam(c.QueryParam("fileIds"))
	if len(fileIds) == 0 {
		return c.JSON(http.StatusBadRequest, errors.CreateSimpleBadRequest("missing fileIds"))
	}

	// merging needs the samples of every file
	for _, fileId := range fileIds {
		if _, err := ingestionService.Registry.FileSamples(gc.StudyId, fileId); err != nil {
			if pkgErrors.Is(err, metadata.ErrUnknownStudy) || pkgErrors.Is(err, metadata.ErrUnknownFile) {
				return c.JSON(http.StatusNotFound, errors.CreateSimpleNotFound(err.Error()))
			}
			return c.JSON(http.StatusInternalServerError, errors.CreateSimpleInternalServerError(err.Error()))
		}
	}

	req, err := ingestionService.QueueMerge(gc.StudyId, fileIds, gc.Chromosomes)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errors.CreateSimpleInternalServerError(err.Error()))
	}

	return c.JSON(http.StatusAccepted, toResponse(req))
}

func GetAllVariantIngestionRequests(c echo.Context) error {
	zap.S().Info("GetAllVariantIngestionRequests hit!")
	requests := c.(*contexts.GohanContext).IngestionService.GetRequests()

	return c.JSON(http.StatusOK, dtos.IngestRequestsResponseDto{
		Count:    len(requests),
		Requests: requests,
	})
}

func VariantsIngestionStats(c echo.Context) error {
	zap.S().Info("VariantsIngestionStats hit!")
	ingestionService := c.(*contexts.GohanContext).IngestionService

	stats := dtos.IngestionStatsDto{Totals: ingestionService.Totals.Total()}
	for _, req := range ingestionService.GetRequests() {
		switch req.State {
		case ingest.Queued:
			stats.Queued++
		case ingest.Running:
			stats.Running++
		default:
			stats.Finished++
		}
	}
	return c.JSON(http.StatusOK, stats)
}

func toResponse(req *ingest.IngestRequest) ingest.IngestResponseDTO {
	return ingest.IngestResponseDTO{
		Id:      req.Id,
		Kind:    req.Kind,
		StudyId: req.StudyId,
		Files:   req.Files,
		State:   req.State,
		Message: req.Message,
	}
}

// splitQueryParam reads a comma separated list, dropping empty entries
func splitQueryParam(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
