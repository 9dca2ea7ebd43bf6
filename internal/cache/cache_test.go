package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/meta"
)

func TestEnsureCapacityEvictsOldestNonFlushing(t *testing.T) {
	c := &Controller{Size: 2}
	datasets := []Dataset{
		{ID: 1, Base: "/cache", CreatedAt: 1},
		{ID: 2, Base: "/cache", CreatedAt: 2, Flushing: true},
		{ID: 3, Base: "/cache", CreatedAt: 3},
	}
	var evicted []int
	err := c.EnsureCapacity("/cache", datasets, func(d Dataset) error {
		evicted = append(evicted, d.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}
	if len(evicted) != 2 || evicted[0] != 1 || evicted[1] != 3 {
		t.Fatalf("evicted = %v, want [1 3] (oldest non-flushing first, until fewer than Size remain)", evicted)
	}
}

func TestEnsureCapacityErrorsWhenAllFlushing(t *testing.T) {
	c := &Controller{Size: 1}
	datasets := []Dataset{
		{ID: 1, Base: "/cache", CreatedAt: 1, Flushing: true},
	}
	err := c.EnsureCapacity("/cache", datasets, func(Dataset) error { return nil })
	if err == nil {
		t.Fatalf("expected error when every candidate is flushing")
	}
}

func TestDeleteDatasetRemovesFilesAndDirectory(t *testing.T) {
	dir := t.TempDir()
	fm := filemap.New()
	path := filepath.Join(dir, "ckpt.0")
	if err := os.WriteFile(path, []byte("payload"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m := meta.New("ckpt.0", path, 0, 5)
	m.Size = 7
	m.SetComplete(true)
	if err := fm.AddFile(5, 0, "ckpt.0", m); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	c := &Controller{FM: fm}
	if err := c.DeleteDataset(5, dir); err != nil {
		t.Fatalf("DeleteDataset: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists after delete")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("dataset dir still exists after delete")
	}
	if fm.NumDatasets() != 0 {
		t.Fatalf("filemap still references deleted dataset")
	}
}

func TestDeleteDatasetDetectsCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	fm := filemap.New()
	path := filepath.Join(dir, "ckpt.0")
	if err := os.WriteFile(path, []byte("payload"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m := meta.New("ckpt.0", path, 0, 5)
	m.SetCRC32(0xdeadbeef) // deliberately wrong
	m.SetComplete(true)
	if err := fm.AddFile(5, 0, "ckpt.0", m); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	c := &Controller{FM: fm, CRCOnDelete: true}
	if err := c.DeleteDataset(5, dir); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func TestGatherScatterAssignsOwnRankFirst(t *testing.T) {
	const n = 3
	const datasetID = 4
	world := group.NewWorld(n)
	locals := make([]*filemap.FileMap, n)
	for i := 0; i < n; i++ {
		locals[i] = filemap.New()
		m := meta.New("ckpt.0", "/tmp/x", i, datasetID)
		m.SetComplete(true)
		if err := locals[i].AddFile(datasetID, i, "ckpt.0", m); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]*filemap.FileMap, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GatherScatter(world[i], i, locals[i], datasetID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d GatherScatter: %v", i, err)
		}
		if _, ok := results[i].GetFile(datasetID, i, "ckpt.0"); !ok {
			t.Fatalf("rank %d: lost its own file after gather/scatter", i)
		}
	}
}

func TestRedistributeMovesFilesToNewOwner(t *testing.T) {
	const n = 2
	world := group.NewWorld(n)
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "ckpt.0")
	if err := os.WriteFile(srcFile, []byte("restart-me"), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Rank 0 now owns world rank 1's files (a remap); rank 1 physically
	// holds them and must ship them to rank 0.
	inputs := []RankFiles{
		{TargetWorldRank: 1, HeldWorldRank: -1, Files: map[string]string{}},
		{TargetWorldRank: 0, HeldWorldRank: 1, Files: map[string]string{"ckpt.0": srcFile}},
	}

	var wg sync.WaitGroup
	wg.Add(n)
	founds := make([]map[int]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			founds[i], errs[i] = Redistribute(world[i], inputs[i], dstDir)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Redistribute: %v", i, err)
		}
	}
	if !founds[0][1] {
		t.Fatalf("rank 0 should have located a source for world rank 1")
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "ckpt.0"))
	if err != nil {
		t.Fatalf("reading redistributed file: %v", err)
	}
	if string(got) != "restart-me" {
		t.Fatalf("redistributed content = %q, want %q", got, "restart-me")
	}
	if _, err := os.Stat(srcFile); !os.IsNotExist(err) {
		t.Fatalf("source file should have been moved (removed), still exists")
	}
}
