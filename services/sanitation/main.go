package sanitation

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"gohan/ingest/models"
	"gohan/ingest/services"
)

// how long finished ingestion requests stay listed
const DefaultRetention = 24 * time.Hour

type (
	SanitationService struct {
		Initialized      bool
		IngestionService *services.IngestionService
		Config           *models.Config
		Retention        time.Duration

		scheduler *gocron.Scheduler
	}
)

func NewSanitationService(iz *services.IngestionService, cfg *models.Config) *SanitationService {
	ss := &SanitationService{
		Initialized:      false,
		IngestionService: iz,
		Config:           cfg,
		Retention:        DefaultRetention,
	}

	ss.Init()

	return ss
}

func (ss *SanitationService) Init() {
	// initialization if necessary
	if !ss.Initialized {
		// - schedule a daily job keeping the ingestion
		//   request listing "sanitary", i.e. forgetting
		//   requests that finished long ago
		ss.scheduler = gocron.NewScheduler(time.UTC)

		ss.scheduler.Every(1).Days().At("04:00:00").Do(func() { // 12am EST
			ss.Prune(time.Now())
		})

		// non-blocking, the scheduler runs its own goroutine
		ss.scheduler.StartAsync()

		ss.Initialized = true
		zap.S().Info("Sanitation Service Initialized ..")
	}
}

// Prune forgets the requests finished for longer than the retention
func (ss *SanitationService) Prune(now time.Time) int {
	zap.S().Infof("[%s] - Running ingestion request cleanup..", now)

	pruned := ss.IngestionService.PruneFinished(now.Add(-ss.Retention))
	zap.S().Infof("[%s] - Pruned %d finished ingestion request(s)..", now, pruned)
	return pruned
}

func (ss *SanitationService) Stop() {
	if ss.scheduler != nil {
		ss.scheduler.Stop()
	}
}
