package services

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gohan/ingest/models"
	"gohan/ingest/models/calls"
	"gohan/ingest/models/constants/chromosome"
	"gohan/ingest/models/indexes"
	"gohan/ingest/models/ingest"
	"gohan/ingest/models/keys"
	"gohan/ingest/models/results"
	"gohan/ingest/models/storage"
	"gohan/ingest/services/merging"
	"gohan/ingest/services/metadata"
	"gohan/ingest/services/staging"
	"gohan/ingest/services/vcf"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend is the document store both phases write to
type Backend interface {
	staging.Store
	staging.CursorOpener
	merging.VariantStore
	merging.StageMarker
}

// Registry is a metadata provider files can be registered with
type Registry interface {
	metadata.Provider
	RegisterFile(studyId string, fileId string, samples []string) error
}

var ErrAlreadyRunning = errors.New("an ingestion of this file is already queued or running")

type (
	IngestionService struct {
		IngestRequestMap             map[string]*ingest.IngestRequest
		IngestRequestMapMux          sync.RWMutex
		ConcurrentFileIngestionQueue chan bool

		Backend   Backend
		Registry  Registry
		Conflicts storage.ConflictingKeysFunc
		Codec     calls.Codec
		Totals    *results.Accumulator
		Config    *models.Config
	}
)

func NewIngestionService(backend Backend, registry Registry, conflicts storage.ConflictingKeysFunc, codec calls.Codec, cfg *models.Config) *IngestionService {
	level := cfg.Api.FileProcessingConcurrencyLevel
	if level <= 0 {
		level = 1
	}
	if codec == nil {
		codec = calls.NewSnappyCodec()
	}

	return &IngestionService{
		IngestRequestMap:             map[string]*ingest.IngestRequest{},
		ConcurrentFileIngestionQueue: make(chan bool, level),
		Backend:                      backend,
		Registry:                     registry,
		Conflicts:                    conflicts,
		Codec:                        codec,
		Totals:                       results.NewAccumulator(),
		Config:                       cfg,
	}
}

// QueueStage registers a staging request and runs it in the background
func (i *IngestionService) QueueStage(studyId string, fileNames []string, resume bool) (*ingest.IngestRequest, error) {
	req, err := i.reserveStage(studyId, fileNames)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(fileNames))
	for _, name := range fileNames {
		paths = append(paths, filepath.Join(i.Config.Api.VcfPath, filepath.Base(name)))
	}

	go func() {
		i.setState(req, ingest.Running, "", nil)
		res, err := i.StageFiles(context.Background(), studyId, paths, resume)
		i.finish(req, res, err)
	}()
	return i.snapshot(req), nil
}

// QueueMerge registers a merge request and runs it in the background
func (i *IngestionService) QueueMerge(studyId string, fileIds []string, chromosomes []string) (*ingest.IngestRequest, error) {
	req := i.newRequest(ingest.Merge, studyId, fileIds)
	go func() {
		i.setState(req, ingest.Running, "", nil)
		res, err := i.MergeStudy(context.Background(), studyId, fileIds, DefaultPartitions(chromosomes))
		i.finish(req, res, err)
	}()
	return i.snapshot(req), nil
}

// StageFiles stages every file of a study, at most
// FileProcessingConcurrencyLevel at a time
func (i *IngestionService) StageFiles(ctx context.Context, studyId string, paths []string, resume bool) (results.WriteResult, error) {
	var (
		mux   sync.Mutex
		total = results.New()
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			select {
			case i.ConcurrentFileIngestionQueue <- true:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-i.ConcurrentFileIngestionQueue }()

			res, err := i.StageFile(gctx, studyId, path, resume)
			mux.Lock()
			total = total.Merge(res)
			mux.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}

// StageFile decodes one VCF, registers its samples and stages its calls
func (i *IngestionService) StageFile(ctx context.Context, studyId string, path string, resume bool) (results.WriteResult, error) {
	total := results.New()
	fileId := FileIdFromPath(path)

	reader, err := vcf.Open(path)
	if err != nil {
		return total, err
	}
	defer reader.Close()

	if err := i.Registry.RegisterFile(studyId, fileId, reader.Samples()); err != nil {
		return total, errors.Wrapf(err, "registering %s", path)
	}

	zap.S().Infof("staging %s into study %s as file %s (%d samples)", path, studyId, fileId, len(reader.Samples()))

	loader := staging.NewLoader(i.Backend, i.Conflicts, i.Codec, staging.LoaderOptions{Resume: resume})
	_, err = reader.ReadBatches(ctx, i.Config.Api.BulkSize, func(batch []*calls.Call) error {
		res, err := loader.Stage(ctx, studyId, fileId, batch)
		total = total.Merge(res)
		return err
	})
	i.Totals.Add(total)

	if err != nil {
		return total, errors.Wrapf(err, "staging %s", path)
	}
	zap.S().Infof("staged %s: %s", fileId, total)
	return total, nil
}

// MergeStudy runs one reader and one merger per partition. The first
// failure cancels the other partitions; the result holds everything
// applied until then.
func (i *IngestionService) MergeStudy(ctx context.Context, studyId string, fileIds []string, partitions [][]keys.Range) (results.WriteResult, error) {
	var (
		mux   sync.Mutex
		total = results.New()
	)
	add := func(r results.WriteResult) {
		i.Totals.Add(r)
		mux.Lock()
		total = total.Merge(r)
		mux.Unlock()
	}

	merger := merging.NewMerger(i.Backend, i.Backend, i.Registry, i.Codec, merging.MergerOptions{
		Conflicts: i.Conflicts,
		Progress:  merging.NewProgress(0, i.Config.Api.ProgressInterval),
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		partition := partition
		g.Go(func() error {
			return i.mergePartition(gctx, merger, studyId, fileIds, partition, add)
		})
	}
	err := g.Wait()
	return total, err
}

func (i *IngestionService) mergePartition(ctx context.Context, merger *merging.Merger, studyId string, fileIds []string, ranges []keys.Range, add func(results.WriteResult)) error {
	reader, err := staging.Open(ctx, i.Backend, studyId, ranges, staging.ReaderOptions{PageSize: i.Config.Api.ReadBatchSize})
	if err != nil {
		return err
	}
	defer reader.Close()

	capacity := i.Config.Api.MergeQueueCapacity
	if capacity <= 0 {
		capacity = 1
	}
	queue := make(chan []*indexes.StagedDocument, capacity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for {
			batch, err := reader.Read(gctx, i.Config.Api.ReadBatchSize)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case queue <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for batch := range queue {
			res, err := merger.Merge(gctx, studyId, fileIds, batch)
			if err != nil {
				var mergeErr *merging.MergeError
				if errors.As(err, &mergeErr) {
					add(mergeErr.Result)
				}
				return err
			}
			add(res)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "merging %s", describeRanges(ranges))
	}
	return nil
}

// DefaultPartitions puts each chromosome in its own partition; no
// chromosome means every human chromosome
func DefaultPartitions(chromosomes []string) [][]keys.Range {
	if len(chromosomes) == 0 {
		chromosomes = chromosome.ValidListOfHumanChromosomes()
	}

	seen := map[string]bool{}
	partitions := make([][]keys.Range, 0, len(chromosomes))
	for _, chrom := range chromosomes {
		r := keys.NewChromosomeRange(chrom)
		if r.Chromosome == "" || seen[r.Chromosome] {
			continue
		}
		seen[r.Chromosome] = true
		partitions = append(partitions, []keys.Range{r})
	}
	return partitions
}

// FileIdFromPath names a file after its base name without VCF extensions
func FileIdFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".bgz")
	return strings.TrimSuffix(name, ".vcf")
}

func (i *IngestionService) FilesAlreadyRunning(studyId string, files []string) bool {
	i.IngestRequestMapMux.RLock()
	defer i.IngestRequestMapMux.RUnlock()
	return i.filesRunning(studyId, files)
}

// reserveStage checks and registers a staging request under one lock
func (i *IngestionService) reserveStage(studyId string, files []string) (*ingest.IngestRequest, error) {
	req := buildRequest(ingest.Stage, studyId, files)

	i.IngestRequestMapMux.Lock()
	if i.filesRunning(studyId, files) {
		i.IngestRequestMapMux.Unlock()
		return nil, ErrAlreadyRunning
	}
	i.IngestRequestMap[req.Id.String()] = req
	i.IngestRequestMapMux.Unlock()

	zap.S().Infof("queued %s request %s for study %s: %v", req.Kind, req.Id, studyId, files)
	return req, nil
}

// filesRunning expects IngestRequestMapMux to be held
func (i *IngestionService) filesRunning(studyId string, files []string) bool {
	for _, v := range i.IngestRequestMap {
		if v.StudyId != studyId || v.Kind != ingest.Stage || v.Finished() {
			continue
		}
		for _, held := range v.Files {
			for _, f := range files {
				if held == f {
					return true
				}
			}
		}
	}
	return false
}

// GetRequests lists every tracked request, oldest first
func (i *IngestionService) GetRequests() []*ingest.IngestRequest {
	i.IngestRequestMapMux.RLock()
	defer i.IngestRequestMapMux.RUnlock()

	all := make([]*ingest.IngestRequest, 0, len(i.IngestRequestMap))
	for _, v := range i.IngestRequestMap {
		copied := *v
		all = append(all, &copied)
	}
	sort.Slice(all, func(a, b int) bool {
		return all[a].CreatedAt.Before(all[b].CreatedAt)
	})
	return all
}

// PruneFinished forgets finished requests last updated before cutoff
func (i *IngestionService) PruneFinished(cutoff time.Time) int {
	i.IngestRequestMapMux.Lock()
	defer i.IngestRequestMapMux.Unlock()

	pruned := 0
	for id, v := range i.IngestRequestMap {
		if v.Finished() && v.UpdatedAt.Before(cutoff) {
			delete(i.IngestRequestMap, id)
			pruned++
		}
	}
	return pruned
}

func (i *IngestionService) newRequest(kind ingest.Kind, studyId string, files []string) *ingest.IngestRequest {
	req := buildRequest(kind, studyId, files)

	i.IngestRequestMapMux.Lock()
	i.IngestRequestMap[req.Id.String()] = req
	i.IngestRequestMapMux.Unlock()

	zap.S().Infof("queued %s request %s for study %s: %v", kind, req.Id, studyId, files)
	return req
}

func buildRequest(kind ingest.Kind, studyId string, files []string) *ingest.IngestRequest {
	now := time.Now()
	return &ingest.IngestRequest{
		Id:        uuid.New(),
		Kind:      kind,
		StudyId:   studyId,
		Files:     append([]string(nil), files...),
		State:     ingest.Queued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (i *IngestionService) setState(req *ingest.IngestRequest, state ingest.State, message string, res *results.WriteResult) {
	i.IngestRequestMapMux.Lock()
	defer i.IngestRequestMapMux.Unlock()

	req.State = state
	req.Message = message
	req.Result = res
	req.UpdatedAt = time.Now()
}

func (i *IngestionService) finish(req *ingest.IngestRequest, res results.WriteResult, err error) {
	if err != nil {
		zap.S().Errorf("%s request %s failed: %v", req.Kind, req.Id, err)
		i.setState(req, ingest.Error, err.Error(), &res)
		return
	}
	zap.S().Infof("%s request %s done: %s", req.Kind, req.Id, res)
	i.setState(req, ingest.Done, "", &res)
}

func (i *IngestionService) snapshot(req *ingest.IngestRequest) *ingest.IngestRequest {
	i.IngestRequestMapMux.RLock()
	defer i.IngestRequestMapMux.RUnlock()
	copied := *req
	return &copied
}

func describeRanges(ranges []keys.Range) string {
	names := make([]string, 0, len(ranges))
	for _, r := range ranges {
		names = append(names, r.String())
	}
	return strings.Join(names, ",")
}
