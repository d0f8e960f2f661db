package serviceInfo

import "fmt"

type ServiceInfo string

var (
	SERVICE_NAME        ServiceInfo = "Bento Gohan Ingestion Service"
	SERVICE_WELCOME     ServiceInfo = "Welcome to the Gohan two-phase variant ingestion API!"
	SERVICE_DESCRIPTION ServiceInfo = "Stages VCF calls and merges them into the Gohan variant index."

	SERVICE_ARTIFACT    ServiceInfo = "gohan-ingest"
	SERVICE_TYPE_NO_VER ServiceInfo = ServiceInfo(fmt.Sprintf("ca.c3g.bento:%s", SERVICE_ARTIFACT))
	SERVICE_ID          ServiceInfo = SERVICE_TYPE_NO_VER
)
