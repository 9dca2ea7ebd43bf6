package scr

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/launix-de/scr-go/internal/config"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/pfs"
)

func fixedHostname(name string) HostnameFunc {
	return func() (string, error) { return name, nil }
}

func TestInitStartRouteCompleteCheckpointRoundTrip(t *testing.T) {
	const n = 2
	world := group.NewWorld(n)
	backend := (&pfs.FilesFactory{Basepath: t.TempDir()}).Open("")

	cntlBase := t.TempDir()
	cacheBase := t.TempDir()

	states := make([]*State, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			loader := config.Loader{
				Getenv: func(k string) string {
					switch k {
					case "SCR_CNTL_BASE":
						return cntlBase
					case "SCR_CACHE_BASE":
						return cacheBase
					case "SCR_COPY_TYPE":
						return "PARTNER"
					case "SCR_SET_SIZE":
						return "2"
					}
					return ""
				},
				Open: func(string) (io.ReadCloser, error) { return nil, os.ErrNotExist },
			}
			states[i], errs[i] = Init(Options{
				World:      world[i],
				Backend:    backend,
				Hostname:   fixedHostname("node-fixed"),
				Now:        time.Now,
				ConfigLoad: loader,
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: Init: %v", i, err)
		}
	}

	payloads := []string{"rank-zero-checkpoint", "rank-one-checkpoint"}
	startErrs := make([]error, n)
	paths := make([]string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			startErrs[i] = states[i].StartCheckpoint()
			paths[i] = states[i].RouteFile("ckpt.data")
		}(i)
	}
	wg.Wait()
	for i, err := range startErrs {
		if err != nil {
			t.Fatalf("rank %d: StartCheckpoint: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		if err := os.MkdirAll(filepath.Dir(paths[i]), 0750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(paths[i], []byte(payloads[i]), 0640); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	completeErrs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			completeErrs[i] = states[i].CompleteCheckpoint(true)
		}(i)
	}
	wg.Wait()
	for i, err := range completeErrs {
		if err != nil {
			t.Fatalf("rank %d: CompleteCheckpoint: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		names := states[i].fm.FM.ListFiles(states[i].datasetID, i)
		if len(names) != 1 {
			t.Fatalf("rank %d: expected one tracked file, got %v", i, names)
		}
		if !states[i].ff.HasMarker(states[i].datasetID, "CACHE") {
			t.Fatalf("rank %d: expected CACHE marker after CompleteCheckpoint", i)
		}
	}
}

func TestNeedCheckpointRespectsInterval(t *testing.T) {
	world := group.NewWorld(1)
	st := &State{World: world[0], Cfg: config.Config{CheckpointInterval: 2}}
	st.needCount = 0
	if !st.NeedCheckpoint() {
		t.Fatalf("expected NeedCheckpoint true when needCount %% interval == 0")
	}
	st.needCount = 1
	if st.NeedCheckpoint() {
		t.Fatalf("expected NeedCheckpoint false mid-interval")
	}
}
