package services

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gohan/ingest/models"
	"gohan/ingest/models/ingest"
	"gohan/ingest/models/keys"
	"gohan/ingest/models/storage"
	"gohan/ingest/repositories/memory"
	"gohan/ingest/services/metadata"

	. "github.com/ahmetb/go-linq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\t"

var vcfs = map[string]string{
	"f1.vcf": header + "S1\n" +
		"chr1\t100\t.\tA\tG\t.\tPASS\t.\tGT\t0/1\n" +
		"chr1\t200\t.\tC\tT\t.\tPASS\t.\tGT\t1/1\n" +
		"chr2\t50\t.\tG\tA\t.\tPASS\t.\tGT\t0/1\n",
	"f2.vcf": header + "S2\n" +
		"1\t100\t.\tA\tG\t.\tPASS\t.\tGT\t1/1\n" +
		"2\t60\t.\tT\tC\t.\tPASS\t.\tGT\t0/1\n",
}

type harness struct {
	service *IngestionService
	store   *memory.Store
	meta    *metadata.StaticProvider
	dir     string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	for name, content := range vcfs {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	cfg := &models.Config{}
	cfg.Api.VcfPath = dir
	cfg.Api.BulkSize = 2
	cfg.Api.FileProcessingConcurrencyLevel = 2
	cfg.Api.MergeQueueCapacity = 1
	cfg.Api.ReadBatchSize = 1

	h := &harness{store: memory.NewStore(), meta: metadata.NewStaticProvider(), dir: dir}
	h.service = NewIngestionService(h.store, h.meta, storage.DuplicateKeys, nil, cfg)
	return h
}

func (h *harness) paths(names ...string) []string {
	var paths []string
	From(names).SelectT(func(n string) string { return filepath.Join(h.dir, n) }).ToSlice(&paths)
	return paths
}

func TestStageThenMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	staged, err := h.service.StageFiles(ctx, "s1", h.paths("f1.vcf", "f2.vcf"), false)
	require.NoError(t, err)
	assert.Equal(t, 4, staged.NewVariants)
	assert.Equal(t, 1, staged.UpdatedVariants)
	assert.Equal(t, []string{"f1", "f2"}, sorted(h.meta.Files("s1")))

	merged, err := h.service.MergeStudy(ctx, "s1", []string{"f1", "f2"}, DefaultPartitions([]string{"1", "chr2"}))
	require.NoError(t, err)
	assert.Equal(t, 4, merged.NewVariants)
	assert.Equal(t, 1, merged.OverlappedVariants)
	assert.Equal(t, 4, h.store.VariantCount())

	v, ok := h.store.Variant(keys.New("1", 100, "A", "G").String())
	require.True(t, ok)
	study := v.Study("s1")
	require.NotNil(t, study)
	assert.Equal(t, []string{"S1"}, study.Genotypes["0/1"])
	assert.Equal(t, []string{"S2"}, study.Genotypes["1/1"])

	v, ok = h.store.Variant(keys.New("2", 60, "T", "C").String())
	require.True(t, ok)
	assert.Equal(t, []string{"S1"}, v.Study("s1").Genotypes["?/?"])

	total := h.service.Totals.Total()
	assert.Equal(t, 8, total.NewVariants)

	again, err := h.service.MergeStudy(ctx, "s1", []string{"f1", "f2"}, DefaultPartitions(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, again.NewVariants)
	assert.Equal(t, 4, h.store.VariantCount())
}

func TestMergeUnknownFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.StageFiles(ctx, "s1", h.paths("f1.vcf"), false)
	require.NoError(t, err)

	_, err = h.service.MergeStudy(ctx, "s1", []string{"nope"}, DefaultPartitions([]string{"1"}))
	assert.True(t, errors.Is(err, metadata.ErrUnknownFile))
	assert.Equal(t, 0, h.store.VariantCount())
}

func TestStageMissingFile(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.StageFiles(context.Background(), "s1", h.paths("absent.vcf"), false)
	assert.Error(t, err)
}

func TestQueuedRequests(t *testing.T) {
	h := newHarness(t)

	req, err := h.service.QueueStage("s1", []string{"f1.vcf"}, false)
	require.NoError(t, err)
	assert.Equal(t, ingest.Stage, req.Kind)

	finished := func() bool {
		for _, r := range h.service.GetRequests() {
			if r.Id == req.Id {
				return r.Finished()
			}
		}
		return false
	}
	require.Eventually(t, finished, 5*time.Second, 10*time.Millisecond)

	merge, err := h.service.QueueMerge("s1", []string{"f1"}, []string{"1", "2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, r := range h.service.GetRequests() {
			if r.Id == merge.Id {
				return r.Finished()
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	requests := h.service.GetRequests()
	require.Len(t, requests, 2)
	for _, r := range requests {
		assert.Equal(t, ingest.Done, r.State, r.Message)
		require.NotNil(t, r.Result)
	}
	assert.Equal(t, 3, requests[1].Result.NewVariants)

	assert.Equal(t, 0, h.service.PruneFinished(time.Now().Add(-time.Hour)))
	assert.Equal(t, 2, h.service.PruneFinished(time.Now().Add(time.Second)))
	assert.Empty(t, h.service.GetRequests())
}

func TestFilesAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	req := h.service.newRequest(ingest.Stage, "s1", []string{"f1.vcf"})

	assert.True(t, h.service.FilesAlreadyRunning("s1", []string{"f2.vcf", "f1.vcf"}))
	assert.False(t, h.service.FilesAlreadyRunning("s2", []string{"f1.vcf"}))

	_, err := h.service.QueueStage("s1", []string{"f1.vcf"}, false)
	assert.Equal(t, ErrAlreadyRunning, err)

	h.service.setState(req, ingest.Error, "boom", nil)
	assert.False(t, h.service.FilesAlreadyRunning("s1", []string{"f1.vcf"}))
}

func TestConcurrentQueueStageAdmitsOne(t *testing.T) {
	h := newHarness(t)

	// hold every file slot so the admitted request stays running
	for n := 0; n < cap(h.service.ConcurrentFileIngestionQueue); n++ {
		h.service.ConcurrentFileIngestionQueue <- true
	}

	var (
		wg       sync.WaitGroup
		admitted int32
		rejected int32
	)
	for n := 0; n < 10; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.QueueStage("s1", []string{"f1.vcf"}, false)
			if err == nil {
				atomic.AddInt32(&admitted, 1)
			} else if errors.Is(err, ErrAlreadyRunning) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
	assert.Equal(t, int32(9), rejected)
	assert.Len(t, h.service.GetRequests(), 1)

	for n := 0; n < cap(h.service.ConcurrentFileIngestionQueue); n++ {
		<-h.service.ConcurrentFileIngestionQueue
	}
	require.Eventually(t, func() bool {
		return h.service.GetRequests()[0].Finished()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDefaultPartitions(t *testing.T) {
	partitions := DefaultPartitions([]string{"chr1", "1", "X", ""})
	require.Len(t, partitions, 2)
	assert.Equal(t, "1", partitions[0][0].Chromosome)
	assert.Equal(t, "X", partitions[1][0].Chromosome)

	assert.Len(t, DefaultPartitions(nil), 25)
}

func TestFileIdFromPath(t *testing.T) {
	assert.Equal(t, "sample", FileIdFromPath("/vcfs/sample.vcf.gz"))
	assert.Equal(t, "sample", FileIdFromPath("sample.vcf"))
	assert.Equal(t, "sample.txt", FileIdFromPath("sample.txt"))
}

func sorted(values []string) []string {
	var out []string
	From(values).OrderByT(func(s string) string { return s }).ToSlice(&out)
	return out
}
