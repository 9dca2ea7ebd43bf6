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
	"github.com/launix-de/scr-go/internal/treestore"
)

func TestTransferFileEnqueueAndAllWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.scr")
	tf := OpenTransfer(path)

	if err := tf.Enqueue([]TransferEntry{
		{Source: "/cache/a", Destination: "scr.1/a", Size: 100, Written: 0},
		{Source: "/cache/b", Destination: "scr.1/b", Size: 50, Written: 0},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done, err := AsyncFlushTest(tf)
	if err != nil {
		t.Fatalf("AsyncFlushTest: %v", err)
	}
	if done {
		t.Fatalf("expected incomplete before any bytes written")
	}

	if err := tf.Enqueue([]TransferEntry{
		{Source: "/cache/a", Destination: "scr.1/a", Size: 100, Written: 100},
		{Source: "/cache/b", Destination: "scr.1/b", Size: 50, Written: 30},
	}); err != nil {
		t.Fatalf("Enqueue (progress update): %v", err)
	}
	done, err = AsyncFlushTest(tf)
	if err != nil {
		t.Fatalf("AsyncFlushTest: %v", err)
	}
	if done {
		t.Fatalf("expected incomplete while b is still partial")
	}

	if err := tf.Enqueue([]TransferEntry{
		{Source: "/cache/b", Destination: "scr.1/b", Size: 50, Written: 50},
	}); err != nil {
		t.Fatalf("Enqueue (finish b): %v", err)
	}
	done, err = AsyncFlushTest(tf)
	if err != nil {
		t.Fatalf("AsyncFlushTest: %v", err)
	}
	if !done {
		t.Fatalf("expected complete once every entry has written == size")
	}
}

func TestAsyncFlushStopReachesStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.scr")
	tf := OpenTransfer(path)
	if err := tf.Enqueue([]TransferEntry{{Source: "/a", Destination: "b", Size: 10}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// simulate an external mover that observes command=STOP and reports
	// back state=STOPPED a little later.
	go func() {
		time.Sleep(5 * time.Millisecond)
		treestore.WriteWithLock(path, func(tr *treestore.Tree) *treestore.Tree {
			tr.SetKV("state", string(StateStopped))
			return tr
		})
	}()

	if err := AsyncFlushStop(tf, 2*time.Millisecond, 200); err != nil {
		t.Fatalf("AsyncFlushStop: %v", err)
	}
}

func TestAsyncFlushRoundTrip(t *testing.T) {
	const n = 2
	const datasetID = 42
	world := group.NewWorld(n)
	pfsRoot := t.TempDir()
	backend := (&pfs.FilesFactory{Basepath: pfsRoot}).Open("")

	fms := make([]*filemap.FileMap, n)
	tfs := make([]*TransferFile, n)
	ffs := make([]*FlushFile, n)
	for i := 0; i < n; i++ {
		cacheDir := t.TempDir()
		cachePath := filepath.Join(cacheDir, "ckpt.data")
		content := []byte("async-payload")
		if err := os.WriteFile(cachePath, content, 0640); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		m := meta.New("ckpt.data", cachePath, i, datasetID)
		m.Size = int64(len(content))
		m.OriginPath = "/app/ckpt.data"
		fms[i] = filemap.New()
		fms[i].AddFile(datasetID, i, "ckpt.data", m)
		tfs[i] = OpenTransfer(filepath.Join(t.TempDir(), "transfer.scr"))
		ffs[i] = Open(filepath.Join(t.TempDir(), "flush.scr"))
	}

	opts := Options{JobID: "job2", Now: time.Unix(1700000001, 0), Checkpoint: true, WithCRC: true}

	datasetDirs := make([]string, n)
	metaDirs := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	startErrs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			datasetDirs[i], metaDirs[i], startErrs[i] = AsyncFlushStart(world[i], fms[i], ffs[i], datasetID, tfs[i], opts)
		}(i)
	}
	wg.Wait()
	for i, err := range startErrs {
		if err != nil {
			t.Fatalf("rank %d: AsyncFlushStart: %v", i, err)
		}
	}

	// simulate the external mover: copy every queued file and mark it written.
	for i := 0; i < n; i++ {
		entries, err := tfs[i].Entries()
		if err != nil {
			t.Fatalf("rank %d: Entries: %v", i, err)
		}
		for _, e := range entries {
			data, err := os.ReadFile(e.Source)
			if err != nil {
				t.Fatalf("reading source %s: %v", e.Source, err)
			}
			w, err := backend.Create(e.Destination)
			if err != nil {
				t.Fatalf("Create %s: %v", e.Destination, err)
			}
			if _, err := w.Write(data); err != nil {
				t.Fatalf("Write: %v", err)
			}
			w.Close()
			e.Written = e.Size
			if err := tfs[i].Enqueue([]TransferEntry{e}); err != nil {
				t.Fatalf("Enqueue progress: %v", err)
			}
		}
	}

	wg.Add(n)
	waitErrs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			waitErrs[i] = AsyncFlushWait(world[i], tfs[i], fms[i], ffs[i], datasetID, backend, metaDirs[i], datasetDirs[i], opts, time.Millisecond, 50)
		}(i)
	}
	wg.Wait()
	for i, err := range waitErrs {
		if err != nil {
			t.Fatalf("rank %d: AsyncFlushWait: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		if !ffs[i].HasMarker(datasetID, MarkerPFS) {
			t.Fatalf("rank %d: expected PFS marker", i)
		}
	}

	summary, err := index.LoadSummary(backend, metaDirs[0])
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if len(summary.Files) != n {
		t.Fatalf("expected %d files in summary, got %d", n, len(summary.Files))
	}
	for _, f := range summary.Files {
		if !f.HasCRC {
			t.Fatalf("expected CRC recorded for %s", f.Name)
		}
	}
}
