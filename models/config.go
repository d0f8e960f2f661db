package models

type Config struct {
	Debug    bool   `yaml:"debug" envconfig:"GOHAN_DEBUG"`
	LogLevel string `yaml:"logLevel" envconfig:"GOHAN_LOG_LEVEL" default:"info"`

	SemVer         string `yaml:"semver" envconfig:"GOHAN_SEMVER" default:"0.0.1"`
	ServiceContact string `yaml:"serviceContact" envconfig:"GOHAN_SERVICE_CONTACT" default:"mailto:info@c3g.ca"`

	Api struct {
		Url                            string `yaml:"url" envconfig:"GOHAN_PUBLIC_URL"`
		Port                           string `yaml:"port" envconfig:"GOHAN_API_INTERNAL_PORT" default:"5000"`
		VcfPath                        string `yaml:"vcfPath" envconfig:"GOHAN_API_VCF_PATH" default:"/vcfs"`
		BulkSize                       int    `yaml:"bulkSize" envconfig:"GOHAN_API_BULK_SIZE" default:"10000"`
		FileProcessingConcurrencyLevel int    `yaml:"fileProcessingConcurrencyLevel" envconfig:"GOHAN_API_FILE_PROC_CONC_LVL" default:"4"`
		MergeQueueCapacity             int    `yaml:"mergeQueueCapacity" envconfig:"GOHAN_API_MERGE_QUEUE_CAPACITY" default:"4"`
		ReadBatchSize                  int    `yaml:"readBatchSize" envconfig:"GOHAN_API_READ_BATCH_SIZE" default:"1000"`
		ProgressInterval               int64  `yaml:"progressInterval" envconfig:"GOHAN_API_PROGRESS_INTERVAL" default:"100000"`
		MetadataPath                   string `yaml:"metadataPath" envconfig:"GOHAN_API_METADATA_PATH" default:"/vcfs/studies.yml"`
	} `yaml:"api"`

	Elasticsearch struct {
		Url             string `yaml:"url" envconfig:"GOHAN_ES_URL" default:"http://localhost:9200"`
		Username        string `yaml:"username" envconfig:"GOHAN_ES_USERNAME"`
		Password        string `yaml:"password" envconfig:"GOHAN_ES_PASSWORD"`
		StageIndex      string `yaml:"stageIndex" envconfig:"GOHAN_ES_STAGE_INDEX" default:"variants-stage"`
		VariantIndex    string `yaml:"variantIndex" envconfig:"GOHAN_ES_VARIANT_INDEX" default:"variants"`
		ScrollKeepAlive string `yaml:"scrollKeepAlive" envconfig:"GOHAN_ES_SCROLL_KEEP_ALIVE" default:"5m"`
		BulkWorkers     int    `yaml:"bulkWorkers" envconfig:"GOHAN_ES_BULK_WORKERS" default:"2"`
		RetryOnConflict int    `yaml:"retryOnConflict" envconfig:"GOHAN_ES_RETRY_ON_CONFLICT" default:"5"`
	} `yaml:"elasticsearch"`
}
