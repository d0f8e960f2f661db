package serviceInfo

import (
	"gohan/ingest/contexts"
	serviceInfo "gohan/ingest/models/constants/service-info"

	"net/http"

	"github.com/labstack/echo"
)

// https://github.com/ga4gh-discovery/ga4gh-service-info
func GetServiceInfo(c echo.Context) error {
	cfg := c.(*contexts.GohanContext).Config

	return c.JSON(http.StatusOK, map[string]interface{}{
		"bento": map[string]interface{}{
			"dataService": true,
			"serviceKind": serviceInfo.SERVICE_ARTIFACT,
		},
		"type": map[string]interface{}{
			"artifact": serviceInfo.SERVICE_ARTIFACT,
			"group":    serviceInfo.SERVICE_TYPE_NO_VER,
			"version":  cfg.SemVer,
		},
		"id":          serviceInfo.SERVICE_ID,
		"name":        serviceInfo.SERVICE_NAME,
		"description": serviceInfo.SERVICE_DESCRIPTION,
		"organization": map[string]string{
			"name": "C3G",
			"url":  "http://c3g.ca",
		},
		"contactUrl": cfg.ServiceContact,
		"version":    cfg.SemVer,
	})
}
