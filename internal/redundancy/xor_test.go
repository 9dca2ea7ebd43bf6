package redundancy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/meta"
)

func setupXORRank(t *testing.T, datasetID, rank int, content []byte) (*filemap.FileMap, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt.0")
	if err := os.WriteFile(path, content, 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	fm := filemap.New()
	m := meta.New("ckpt.0", path, rank, datasetID)
	m.Size = int64(len(content))
	m.SetComplete(true)
	if err := fm.AddFile(datasetID, rank, "ckpt.0", m); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	return fm, dir
}

func TestXOREncodeProducesChunkForEveryRank(t *testing.T) {
	const n = 3
	const datasetID = 7
	world := group.NewWorld(n)
	contents := [][]byte{
		[]byte("aaaa"),
		[]byte("bb"),
		[]byte("cccccc"),
	}

	fms := make([]*filemap.FileMap, n)
	chunkDirs := make([]string, n)
	for i := range fms {
		fms[i], chunkDirs[i] = setupXORRank(t, datasetID, i, contents[i])
	}

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			d, err := createFromConfig(Config{Scheme: SchemeXOR, SetSize: n, Hop: 1}, world[i], world[i], fixedHostname("h"+string(rune('a'+i))))
			if err != nil {
				errs[i] = err
				return
			}
			xc := &XORCodec{Desc: d}
			errs[i] = xc.Encode(fms[i], datasetID, i, 0, filepath.Join(chunkDirs[i], "chunk"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Encode: %v", i, err)
		}
		if _, err := os.Stat(filepath.Join(chunkDirs[i], "chunk.data")); err != nil {
			t.Fatalf("rank %d: chunk data not written: %v", i, err)
		}
	}
}

func TestXORRebuildRecoversFailedRankData(t *testing.T) {
	const n = 3
	const datasetID = 9
	const failed = 1
	world := group.NewWorld(n)
	contents := [][]byte{
		[]byte("one-data"),
		[]byte("two-data"),
		[]byte("three-dt"),
	}

	fms := make([]*filemap.FileMap, n)
	chunkDirs := make([]string, n)
	for i := range fms {
		fms[i], chunkDirs[i] = setupXORRank(t, datasetID, i, contents[i])
	}

	var wg sync.WaitGroup
	wg.Add(n)
	descs := make([]*Descriptor, n)
	encErrs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			d, err := createFromConfig(Config{Scheme: SchemeXOR, SetSize: n, Hop: 1}, world[i], world[i], fixedHostname("h"+string(rune('a'+i))))
			descs[i] = d
			if err != nil {
				encErrs[i] = err
				return
			}
			xc := &XORCodec{Desc: d}
			encErrs[i] = xc.Encode(fms[i], datasetID, i, 0, filepath.Join(chunkDirs[i], "chunk"))
		}(i)
	}
	wg.Wait()
	for i, err := range encErrs {
		if err != nil {
			t.Fatalf("rank %d Encode: %v", i, err)
		}
	}

	outPath := filepath.Join(t.TempDir(), "rebuilt")

	var wg2 sync.WaitGroup
	wg2.Add(n)
	rebErrs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg2.Done()
			xc := &XORCodec{Desc: descs[i]}
			rebErrs[i] = xc.Rebuild(fms[i], datasetID, failed, filepath.Join(chunkDirs[i], "chunk"), outPath)
		}(i)
	}
	wg2.Wait()
	for i, err := range rebErrs {
		if err != nil {
			t.Fatalf("rank %d Rebuild: %v", i, err)
		}
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading rebuilt output: %v", err)
	}
	want := make([]byte, len(got))
	copy(want, contents[failed])
	if string(got) != string(want) {
		t.Fatalf("rebuilt data = %q, want %q (padded)", got, want)
	}
}
