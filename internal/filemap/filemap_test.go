package filemap

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/launix-de/scr-go/internal/meta"
)

func sampleMeta(name, path string, rank, dataset int) *meta.Meta {
	m := meta.New(name, path, rank, dataset)
	m.Size = 128
	m.SetComplete(true)
	return m
}

func TestAddGetListRoundTrip(t *testing.T) {
	fm := New()
	if err := fm.AddFile(3, 0, "ckpt.0", sampleMeta("ckpt.0", "/cache/ckpt.0", 0, 3)); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := fm.AddFile(3, 0, "ckpt.1", sampleMeta("ckpt.1", "/cache/ckpt.1", 0, 3)); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	got, ok := fm.GetFile(3, 0, "ckpt.0")
	if !ok || got.Size != 128 {
		t.Fatalf("GetFile = %+v, %v", got, ok)
	}
	files := fm.ListFiles(3, 0)
	if !reflect.DeepEqual(files, []string{"ckpt.0", "ckpt.1"}) {
		t.Fatalf("ListFiles = %v", files)
	}
}

func TestDatasetOrderingIsNumericNotLexicographic(t *testing.T) {
	fm := New()
	for _, id := range []int{2, 10, 1, 9} {
		if err := fm.AddFile(id, 0, "f", sampleMeta("f", "/cache/f", 0, id)); err != nil {
			t.Fatalf("AddFile(%d): %v", id, err)
		}
	}
	want := []int{1, 2, 9, 10}
	if got := fm.ListDatasets(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ListDatasets = %v, want %v", got, want)
	}
	if latest, ok := fm.LatestDataset(); !ok || latest != 10 {
		t.Fatalf("LatestDataset = %d, %v", latest, ok)
	}
	if oldest, ok := fm.OldestDataset(); !ok || oldest != 1 {
		t.Fatalf("OldestDataset = %d, %v", oldest, ok)
	}
	if n := fm.NumDatasets(); n != 4 {
		t.Fatalf("NumDatasets = %d, want 4", n)
	}
}

func TestRemoveFile(t *testing.T) {
	fm := New()
	fm.AddFile(1, 0, "f", sampleMeta("f", "/cache/f", 0, 1))
	if err := fm.RemoveFile(1, 0, "f"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if _, ok := fm.GetFile(1, 0, "f"); ok {
		t.Fatalf("file should be gone after RemoveFile")
	}
}

func TestListRanks(t *testing.T) {
	fm := New()
	fm.AddFile(1, 3, "f", sampleMeta("f", "/cache/f", 3, 1))
	fm.AddFile(1, 1, "g", sampleMeta("g", "/cache/g", 1, 1))
	if got, want := fm.ListRanks(1), []int{1, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ListRanks = %v, want %v", got, want)
	}
}

func TestExtractRankIsolatesOneRank(t *testing.T) {
	fm := New()
	fm.AddFile(2, 0, "a", sampleMeta("a", "/cache/a", 0, 2))
	fm.AddFile(2, 1, "b", sampleMeta("b", "/cache/b", 1, 2))

	sub := fm.ExtractRank(2, 0)
	if _, ok := sub.GetFile(2, 0, "a"); !ok {
		t.Fatalf("extracted rank missing its own file")
	}
	if _, ok := sub.GetFile(2, 1, "b"); ok {
		t.Fatalf("extracted rank should not see other ranks' files")
	}
	if n := sub.NumDatasets(); n != 1 {
		t.Fatalf("NumDatasets = %d, want 1", n)
	}
}

func TestMergeIncomingWins(t *testing.T) {
	a := New()
	a.AddFile(1, 0, "f", sampleMeta("f", "/cache/f", 0, 1))

	b := New()
	updated := sampleMeta("f", "/cache/f", 0, 1)
	updated.Size = 999
	b.AddFile(1, 0, "f", updated)
	b.AddFile(1, 1, "g", sampleMeta("g", "/cache/g", 1, 1))

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got, ok := a.GetFile(1, 0, "f")
	if !ok || got.Size != 999 {
		t.Fatalf("merge should let incoming record win: %+v", got)
	}
	if _, ok := a.GetFile(1, 1, "g"); !ok {
		t.Fatalf("merge should add new records from other")
	}
}

func TestLoadPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filemap")

	fm, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := fm.AddFile(5, 2, "ckpt.0", sampleMeta("ckpt.0", "/cache/ckpt.0", 2, 5)); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.GetFile(5, 2, "ckpt.0")
	if !ok || got.LogicalName != "ckpt.0" {
		t.Fatalf("reloaded filemap missing record: %+v, %v", got, ok)
	}
}
