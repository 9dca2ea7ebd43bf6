package flush

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/index"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/pfs"
)

func setupFlushRank(t *testing.T, datasetID, rank int, content string) *filemap.FileMap {
	t.Helper()
	cacheDir := t.TempDir()
	cachePath := filepath.Join(cacheDir, "ckpt.data")
	if err := os.WriteFile(cachePath, []byte(content), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m := meta.New("ckpt.data", cachePath, rank, datasetID)
	m.Size = int64(len(content))
	m.OriginPath = "/app/ckpt.data"

	fm := filemap.New()
	if err := fm.AddFile(datasetID, rank, "ckpt.data", m); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	return fm
}

func TestSyncFlushWritesSummaryAndIndex(t *testing.T) {
	const n = 3
	const datasetID = 7
	world := group.NewWorld(n)
	pfsRoot := t.TempDir()
	backend := (&pfs.FilesFactory{Basepath: pfsRoot}).Open("")

	fms := make([]*filemap.FileMap, n)
	flushFilePaths := make([]string, n)
	for i := 0; i < n; i++ {
		fms[i] = setupFlushRank(t, datasetID, i, "payload-from-rank")
		flushFilePaths[i] = filepath.Join(t.TempDir(), "flush.scr")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ff := Open(flushFilePaths[i])
			opts := Options{JobID: "job1", FlushWidth: 2, Now: time.Unix(1700000000, 0), Checkpoint: true, WithCRC: true}
			errs[i] = SyncFlush(world[i], fms[i], ff, datasetID, backend, opts)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: SyncFlush: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		ff := Open(flushFilePaths[i])
		if !ff.HasMarker(datasetID, MarkerPFS) {
			t.Fatalf("rank %d: expected PFS marker set", i)
		}
		if ff.HasMarker(datasetID, MarkerFlushing) {
			t.Fatalf("rank %d: expected FLUSHING marker cleared", i)
		}
	}

	ix, err := index.Load(backend, index.IndexPath)
	if err != nil {
		t.Fatalf("index.Load: %v", err)
	}
	entry, ok := ix.Entries[datasetID]
	if !ok || !entry.Complete {
		t.Fatalf("expected dataset %d complete in index, got %+v", datasetID, entry)
	}
	if ix.Current != entry.Name {
		t.Fatalf("expected current to point at %s, got %s", entry.Name, ix.Current)
	}

	summary, err := index.LoadSummary(backend, ".scr/scr.dataset.7")
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if len(summary.Files) != n {
		t.Fatalf("expected %d files in summary, got %d", n, len(summary.Files))
	}
	byRank := summary.FilesByRank()
	for i := 0; i < n; i++ {
		if len(byRank[i]) != 1 {
			t.Fatalf("expected exactly one file for rank %d, got %d", i, len(byRank[i]))
		}
		if !byRank[i][0].HasCRC {
			t.Fatalf("expected CRC recorded for rank %d", i)
		}
	}

	for _, f := range summary.Files {
		full := filepath.Join(pfsRoot, entry.Name, f.Name)
		data, err := os.ReadFile(full)
		if err != nil {
			t.Fatalf("expected flushed file at %s: %v", full, err)
		}
		if string(data) != "payload-from-rank" {
			t.Fatalf("unexpected flushed content: %q", data)
		}
	}
}

func TestSyncFlushFailsWhenSourceMissing(t *testing.T) {
	const n = 2
	const datasetID = 1
	world := group.NewWorld(n)
	backend := (&pfs.FilesFactory{Basepath: t.TempDir()}).Open("")

	fms := make([]*filemap.FileMap, n)
	flushFilePaths := make([]string, n)
	for i := 0; i < n; i++ {
		fms[i] = filemap.New()
		if i == 1 {
			m := meta.New("missing.data", "/nonexistent/missing.data", i, datasetID)
			fms[i].AddFile(datasetID, i, "missing.data", m)
		}
		flushFilePaths[i] = filepath.Join(t.TempDir(), "flush.scr")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ff := Open(flushFilePaths[i])
			opts := Options{JobID: "job1", FlushWidth: 4, Now: time.Unix(1700000000, 0)}
			errs[i] = SyncFlush(world[i], fms[i], ff, datasetID, backend, opts)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("rank %d: expected SyncFlush to report failure when a source file is missing", i)
		}
	}
}
