/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package flush

import (
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/index"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/pfs"
	"github.com/launix-de/scr-go/internal/screrr"
	"github.com/launix-de/scr-go/internal/treestore"
)

// Options configures a SyncFlush run.
type Options struct {
	JobID      string
	FlushWidth int
	Now        time.Time
	Checkpoint bool
	WithCRC    bool
}

// SyncFlush moves datasetID's cache files out to backend synchronously:
// leader-elected directory creation, a flush-width-bounded sliding
// window copying every non-zero rank's files under rank 0's direction,
// then rank 0 writing summary.scr and index.scr once every rank
// reports in.
func SyncFlush(g group.Group, fm *filemap.FileMap, flushFile *FlushFile, datasetID int, backend pfs.Backend, opts Options) error {
	rank := g.Rank()
	size := g.Size()

	if err := flushFile.SetMarker(datasetID, MarkerFlushing); err != nil {
		return screrr.Wrap(screrr.IoFailed, "flush: set FLUSHING marker", err)
	}

	nameBuf := g.Bcast(0, []byte(fmt.Sprintf("scr.%d.%s.%d", opts.Now.Unix(), opts.JobID, datasetID)))
	datasetDir := string(nameBuf)
	metaDir := ".scr/scr.dataset." + strconv.Itoa(datasetID)

	for _, dir := range []string{datasetDir, metaDir} {
		if electLeaderForDir(g, dir) {
			if err := backend.MkdirAll(dir); err != nil {
				return screrr.Wrap(screrr.PfsUnavailable, "flush: mkdir "+dir, err)
			}
		}
	}
	g.Barrier()

	var myFiles []index.FileRecord
	var myOK bool

	var allRecords []index.FileRecord
	if rank == 0 {
		myFiles, myOK = doFlushRank(fm, backend, datasetDir, rank, datasetID, opts.WithCRC)
		allRecords = append(allRecords, myFiles...)

		type inflightJob struct {
			rank             int
			sendReq, recvReq group.Request
		}
		width := opts.FlushWidth
		if width < 1 {
			width = 1
		}
		var inflight []inflightJob
		next := 1
		for next < size || len(inflight) > 0 {
			for len(inflight) < width && next < size {
				sendReq := g.ISend(next, []byte("start"))
				recvReq := g.IRecv(next)
				inflight = append(inflight, inflightJob{rank: next, sendReq: sendReq, recvReq: recvReq})
				next++
			}
			j := inflight[0]
			inflight = inflight[1:]
			j.sendReq.Wait()
			resp := j.recvReq.Wait()
			_, files, err := unpackResult(resp)
			if err == nil {
				for i := range files {
					files[i].Rank = j.rank
				}
				allRecords = append(allRecords, files...)
			}
		}
	} else {
		startReq := g.IRecv(0)
		startReq.Wait()
		myFiles, myOK = doFlushRank(fm, backend, datasetDir, rank, datasetID, opts.WithCRC)
		g.ISend(0, packResult(myOK, myFiles)).Wait()
	}

	netOK := g.AllReduceInt(group.OpLogicalAnd, boolToInt(myOK)) != 0

	if rank == 0 && netOK {
		if err := writeSummaryAndIndex(backend, datasetID, size, metaDir, datasetDir, allRecords, opts.Checkpoint, opts.Now); err != nil {
			return err
		}
	}

	if err := flushFile.ClearMarker(datasetID, MarkerFlushing); err != nil {
		return screrr.Wrap(screrr.IoFailed, "flush: clear FLUSHING marker", err)
	}
	if netOK {
		if err := flushFile.SetMarker(datasetID, MarkerPFS); err != nil {
			return screrr.Wrap(screrr.IoFailed, "flush: set PFS marker", err)
		}
		return nil
	}
	if err := flushFile.SetMarker(datasetID, MarkerFailed); err != nil {
		return screrr.Wrap(screrr.IoFailed, "flush: set FAILED marker", err)
	}
	return screrr.New(screrr.IoFailed, "flush: one or more ranks failed to write to PFS")
}

// writeSummaryAndIndex is rank 0's finalize step shared by the sync
// sliding-window path and the async flush_async_wait path once every
// queued file reports written == size.
func writeSummaryAndIndex(backend pfs.Backend, datasetID, ranks int, metaDir, datasetDir string, records []index.FileRecord, checkpoint bool, now time.Time) error {
	summary := index.NewSummary(datasetID, ranks)
	summary.Complete = true
	summary.Files = records
	if err := summary.Save(backend, metaDir); err != nil {
		return screrr.Wrap(screrr.PfsUnavailable, "flush: save summary", err)
	}
	ix, err := index.Load(backend, index.IndexPath)
	if err != nil {
		return screrr.Wrap(screrr.PfsUnavailable, "flush: load index", err)
	}
	ix.MarkComplete(datasetID, datasetDir, now.Unix(), checkpoint)
	if err := ix.Save(backend, index.IndexPath); err != nil {
		return screrr.Wrap(screrr.PfsUnavailable, "flush: save index", err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// electLeaderForDir picks which rank creates dir without any
// communication: every rank hashes the same string and agrees on the
// same result, the "distributed rank-by-string" leader election.
func electLeaderForDir(g group.Group, dir string) bool {
	h := fnv.New32a()
	h.Write([]byte(dir))
	leader := int(h.Sum32() % uint32(g.Size()))
	return g.Rank() == leader
}

func doFlushRank(fm *filemap.FileMap, backend pfs.Backend, datasetDir string, rank, datasetID int, withCRC bool) ([]index.FileRecord, bool) {
	names := fm.ListFiles(datasetID, rank)
	var records []index.FileRecord
	ok := true
	for _, name := range names {
		m, found := fm.GetFile(datasetID, rank, name)
		if !found || m.Type == meta.TypeXORChunk {
			continue
		}
		destName := fmt.Sprintf("rank_%d.%s", rank, name)
		size, crc, hasCRC, err := copyFileToPFS(backend, datasetDir, destName, m.CachePath, withCRC)
		if err != nil {
			ok = false
			continue
		}
		if withCRC && hasCRC {
			if want, has := m.CRC32(); has && want != crc {
				ok = false
				continue
			}
		}
		records = append(records, index.FileRecord{Name: destName, Size: size, CRC32: crc, HasCRC: hasCRC, OriginPath: m.OriginPath})
	}
	return records, ok
}

func copyFileToPFS(backend pfs.Backend, destDir, destName, cachePath string, withCRC bool) (int64, uint32, bool, error) {
	r, err := os.Open(cachePath)
	if err != nil {
		return 0, 0, false, err
	}
	defer r.Close()
	w, err := backend.Create(destDir + "/" + destName)
	if err != nil {
		return 0, 0, false, err
	}
	var dst io.Writer = w
	h := crc32.NewIEEE()
	if withCRC {
		dst = io.MultiWriter(w, h)
	}
	size, err := io.Copy(dst, r)
	if err != nil {
		w.Close()
		return 0, 0, false, err
	}
	if err := w.Close(); err != nil {
		return 0, 0, false, err
	}
	return size, h.Sum32(), withCRC, nil
}

func packResult(ok bool, files []index.FileRecord) []byte {
	t := treestore.New()
	if ok {
		t.SetKV("ok", "1")
	}
	filesT := t.Child("files")
	for i, f := range files {
		ft := filesT.ChildInt(i)
		ft.SetKV("name", f.Name)
		ft.SetKVInt("size", int(f.Size))
		if f.HasCRC {
			ft.SetKVInt("crc32", int(f.CRC32))
		}
		ft.SetKV("origin", f.OriginPath)
	}
	return treestore.Pack(t)
}

func unpackResult(data []byte) (bool, []index.FileRecord, error) {
	t, _, err := treestore.Unpack(data)
	if err != nil {
		return false, nil, err
	}
	_, ok := t.GetKV("ok")
	var files []index.FileRecord
	if filesT, exists := t.Get("files"); exists {
		keys := filesT.Keys()
		indices := make([]int, 0, len(keys))
		for _, k := range keys {
			if n, err := strconv.Atoi(k); err == nil {
				indices = append(indices, n)
			}
		}
		sort.Ints(indices)
		for _, idx := range indices {
			ft, _ := filesT.GetInt(idx)
			var f index.FileRecord
			f.Name, _ = ft.GetKV("name")
			if size, has := ft.GetKVInt("size"); has {
				f.Size = int64(size)
			}
			if crc, has := ft.GetKVInt("crc32"); has {
				f.CRC32 = uint32(crc)
				f.HasCRC = true
			}
			f.OriginPath, _ = ft.GetKV("origin")
			files = append(files, f)
		}
	}
	return ok, files, nil
}
