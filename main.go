package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gohan/ingest/api"
	"gohan/ingest/models"
	esRepo "gohan/ingest/repositories/elasticsearch"
	"gohan/ingest/services"
	"gohan/ingest/services/metadata"
	"gohan/ingest/services/sanitation"
	"gohan/ingest/utils"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

func main() {
	// Gather environment variables
	var cfg models.Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	logger, err := utils.NewLogger(&cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	zap.S().Infof("Using : \n"+
		"\tDebug : %t \n"+
		"\tVCF Directory Path : %s \n"+
		"\tStudy Manifest Path : %s \n"+
		"\tBulk Size : %d\n"+
		"\tFile Processing Concurrency Level : %d\n"+
		"\tMerge Queue Capacity : %d\n"+
		"\tElasticsearch Url : %s \n"+
		"\tElasticsearch Username : %s\n"+
		"\tStage / Variant Indexes : %s / %s\n"+
		"Running on Port : %s\n",
		cfg.Debug,
		cfg.Api.VcfPath,
		cfg.Api.MetadataPath,
		cfg.Api.BulkSize,
		cfg.Api.FileProcessingConcurrencyLevel,
		cfg.Api.MergeQueueCapacity,
		cfg.Elasticsearch.Url, cfg.Elasticsearch.Username,
		cfg.Elasticsearch.StageIndex, cfg.Elasticsearch.VariantIndex,
		cfg.Api.Port)

	// Service Connections:
	// -- Elasticsearch
	es, err := utils.CreateEsConnection(&cfg)
	if err != nil {
		zap.S().Fatal(err)
	}
	repo := esRepo.NewRepository(es, &cfg)

	bootCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = repo.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		zap.S().Fatalf("bootstrapping indexes: %v", err)
	}

	// -- Study manifest
	registry, err := metadata.NewYamlProvider(cfg.Api.MetadataPath)
	if err != nil {
		zap.S().Fatal(err)
	}

	// Service Singletons
	iz := services.NewIngestionService(repo, registry, esRepo.ConflictingKeys, nil, &cfg)
	ss := sanitation.NewSanitationService(iz, &cfg)
	defer ss.Stop()

	e := api.NewServer(&cfg, iz, utils.NewHealthHandler(es, 3*time.Second))

	go func() {
		if err := e.Start(":" + cfg.Api.Port); err != nil {
			zap.S().Infof("server stopped: %v", err)
		}
	}()

	// Allow graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	zap.S().Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zap.S().Errorf("shutting down server: %v", err)
	}
}
