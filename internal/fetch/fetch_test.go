package fetch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/flush"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/index"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/pfs"
)

func flushOneDataset(t *testing.T, world []group.Group, backend pfs.Backend, datasetID int, contents []string) {
	t.Helper()
	n := len(world)
	fms := make([]*filemap.FileMap, n)
	flushFilePaths := make([]string, n)
	for i := 0; i < n; i++ {
		cacheDir := t.TempDir()
		cachePath := filepath.Join(cacheDir, "ckpt.data")
		if err := os.WriteFile(cachePath, []byte(contents[i]), 0640); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		m := meta.New("ckpt.data", cachePath, i, datasetID)
		m.Size = int64(len(contents[i]))
		m.OriginPath = "/app/ckpt.data"
		fms[i] = filemap.New()
		if err := fms[i].AddFile(datasetID, i, "ckpt.data", m); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
		flushFilePaths[i] = filepath.Join(t.TempDir(), "flush.scr")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ff := flush.Open(flushFilePaths[i])
			opts := flush.Options{JobID: "job-flush", FlushWidth: 2, Now: time.Unix(1700000500, 0), Checkpoint: true, WithCRC: true}
			errs[i] = flush.SyncFlush(world[i], fms[i], ff, datasetID, backend, opts)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: SyncFlush: %v", i, err)
		}
	}
}

func TestFetchRestoresFlushedDataset(t *testing.T) {
	const n = 3
	const datasetID = 11
	world := group.NewWorld(n)
	backend := (&pfs.FilesFactory{Basepath: t.TempDir()}).Open("")

	contents := []string{"rank-zero-data", "rank-one-data", "rank-two-data"}
	flushOneDataset(t, world, backend, datasetID, contents)

	cacheDirs := make([]string, n)
	restoredFms := make([]*filemap.FileMap, n)
	restoredFFPaths := make([]string, n)
	for i := 0; i < n; i++ {
		cacheDirs[i] = t.TempDir()
		restoredFms[i] = filemap.New()
		restoredFFPaths[i] = filepath.Join(t.TempDir(), "flush.scr")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ff := flush.Open(restoredFFPaths[i])
			opts := Options{WithCRC: true, Now: time.Unix(1700000900, 0)}
			results[i], errs[i] = Fetch(world[i], backend, restoredFms[i], ff, cacheDirs[i], nil, opts)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: Fetch: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if results[i].DatasetID != results[0].DatasetID || results[i].Name != results[0].Name {
			t.Fatalf("rank %d result %+v disagrees with rank 0 result %+v", i, results[i], results[0])
		}
	}
	if results[0].DatasetID != datasetID {
		t.Fatalf("expected dataset %d restored, got %d", datasetID, results[0].DatasetID)
	}

	for i := 0; i < n; i++ {
		names := restoredFms[i].ListFiles(datasetID, i)
		if len(names) != 1 {
			t.Fatalf("rank %d: expected exactly one restored file, got %v", i, names)
		}
		m, found := restoredFms[i].GetFile(datasetID, i, names[0])
		if !found {
			t.Fatalf("rank %d: restored file record missing", i)
		}
		data, err := os.ReadFile(m.CachePath)
		if err != nil {
			t.Fatalf("rank %d: reading restored file: %v", i, err)
		}
		if string(data) != contents[i] {
			t.Fatalf("rank %d: restored content %q, want %q", i, data, contents[i])
		}
		if !m.Complete() {
			t.Fatalf("rank %d: expected restored meta marked complete", i)
		}

		ff := flush.Open(restoredFFPaths[i])
		if !ff.HasMarker(datasetID, flush.MarkerPFS) {
			t.Fatalf("rank %d: expected PFS marker after fetch", i)
		}
		if !ff.HasMarker(datasetID, flush.MarkerCache) {
			t.Fatalf("rank %d: expected CACHE marker after fetch", i)
		}
	}

	ix, err := index.Load(backend, index.IndexPath)
	if err != nil {
		t.Fatalf("index.Load: %v", err)
	}
	entry, ok := ix.Entries[datasetID]
	if !ok || len(entry.Fetched) == 0 {
		t.Fatalf("expected dataset %d recorded as fetched, got %+v", datasetID, entry)
	}
}

func TestFetchReturnsNotFoundWhenIndexEmpty(t *testing.T) {
	const n = 2
	world := group.NewWorld(n)
	backend := (&pfs.FilesFactory{Basepath: t.TempDir()}).Open("")

	fms := make([]*filemap.FileMap, n)
	cacheDirs := make([]string, n)
	ffPaths := make([]string, n)
	for i := 0; i < n; i++ {
		fms[i] = filemap.New()
		cacheDirs[i] = t.TempDir()
		ffPaths[i] = filepath.Join(t.TempDir(), "flush.scr")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ff := flush.Open(ffPaths[i])
			_, errs[i] = Fetch(world[i], backend, fms[i], ff, cacheDirs[i], nil, Options{Now: time.Unix(1700001000, 0)})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("rank %d: expected Fetch to fail against an empty index", i)
		}
	}
}
