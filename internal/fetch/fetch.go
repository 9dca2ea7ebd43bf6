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

// Package fetch pulls a checkpoint back from the parallel file system
// into each rank's cache directory when cache recovery alone cannot
// restart the job: rank 0 picks a candidate from the index, every rank
// copies its files back and re-applies redundancy over the restored
// dataset, and a failed candidate is retried against the next-oldest
// complete one.
package fetch

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/flush"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/index"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/pfs"
	"github.com/launix-de/scr-go/internal/redundancy"
	"github.com/launix-de/scr-go/internal/screrr"
)

// Options configures a Fetch run.
type Options struct {
	WithCRC bool
	Now     time.Time
}

// Result describes which dataset Fetch restored.
type Result struct {
	DatasetID int
	Name      string
}

// Fetch restores a checkpoint into cacheDir, retrying against older
// candidates in the index until one succeeds or every candidate is
// exhausted. desc may be nil (no redundancy re-applied after restore).
func Fetch(g group.Group, backend pfs.Backend, fm *filemap.FileMap, flushFile *flush.FlushFile, cacheDir string, desc *redundancy.Descriptor, opts Options) (Result, error) {
	rank := g.Rank()
	size := g.Size()

	excludeBelow := 0
	tryNextOldest := false

	for {
		var ix *index.Index
		var name string
		var datasetID int
		var haveCandidate bool

		if rank == 0 {
			var err error
			ix, err = index.Load(backend, index.IndexPath)
			if err != nil {
				return Result{}, screrr.Wrap(screrr.PfsUnavailable, "fetch: load index", err)
			}
			if tryNextOldest {
				name, datasetID, haveCandidate = ix.NextOldestCandidate(excludeBelow)
			} else {
				name, datasetID, haveCandidate = ix.Candidate()
			}
		}
		tryNextOldest = true

		if g.Bcast(0, []byte(boolByte(haveCandidate)))[0] == 0 {
			return Result{}, screrr.New(screrr.NotFound, "fetch: no usable checkpoint candidate remains")
		}
		name = string(g.Bcast(0, []byte(name)))
		datasetID = bcastInt(g, datasetID)

		metaDir := datasetMetaDir(datasetID)

		summary, valid := loadAndValidateSummary(rank, backend, metaDir, size)
		if g.Bcast(0, []byte(boolByte(valid)))[0] == 0 {
			if rank == 0 {
				markFailedAndSave(ix, backend, datasetID, opts.Now)
			}
			excludeBelow = datasetID
			continue
		}

		var summaryBytes []byte
		if rank == 0 {
			summaryBytes = index.PackSummary(summary)
		}
		summaryBytes = g.Bcast(0, summaryBytes)
		if rank != 0 {
			var err error
			summary, err = index.UnpackSummary(summaryBytes)
			if err != nil {
				return Result{}, screrr.Wrap(screrr.Corrupt, "fetch: unpack broadcast summary", err)
			}
		}

		myFiles := summary.FilesByRank()[rank]
		copyOK := copyDatasetRank(backend, name, cacheDir, fm, datasetID, rank, myFiles, opts.WithCRC)
		netOK := g.AllReduceInt(group.OpLogicalAnd, boolToInt(copyOK)) != 0

		if netOK && desc != nil {
			encodeErr := redundancy.EncodeDataset(desc, fm, datasetID, rank, cacheDir)
			netOK = g.AllReduceInt(group.OpLogicalAnd, boolToInt(encodeErr == nil)) != 0
		}

		if !netOK {
			removeDatasetFiles(fm, datasetID, rank)
			if rank == 0 {
				markFailedAndSave(ix, backend, datasetID, opts.Now)
			}
			excludeBelow = datasetID
			continue
		}

		if err := flushFile.SetMarker(datasetID, flush.MarkerPFS); err != nil {
			return Result{}, screrr.Wrap(screrr.IoFailed, "fetch: set PFS marker", err)
		}
		if err := flushFile.SetMarker(datasetID, flush.MarkerCache); err != nil {
			return Result{}, screrr.Wrap(screrr.IoFailed, "fetch: set CACHE marker", err)
		}

		if rank == 0 {
			ix.MarkFetched(datasetID, opts.Now.Unix())
			if err := ix.Save(backend, index.IndexPath); err != nil {
				return Result{}, screrr.Wrap(screrr.PfsUnavailable, "fetch: save index", err)
			}
		}
		return Result{DatasetID: datasetID, Name: name}, nil
	}
}

func datasetMetaDir(datasetID int) string {
	return ".scr/scr.dataset." + strconv.Itoa(datasetID)
}

func loadAndValidateSummary(rank int, backend pfs.Backend, metaDir string, worldSize int) (*index.Summary, bool) {
	if rank != 0 {
		return nil, false
	}
	summary, err := index.LoadSummary(backend, metaDir)
	if err != nil {
		return nil, false
	}
	if summary.Ranks != worldSize {
		return nil, false
	}
	return summary, true
}

func markFailedAndSave(ix *index.Index, backend pfs.Backend, datasetID int, now time.Time) {
	ix.MarkFailed(datasetID, now.Unix())
	ix.Save(backend, index.IndexPath)
}

func copyDatasetRank(backend pfs.Backend, datasetDir, cacheDir string, fm *filemap.FileMap, datasetID, rank int, files []index.FileRecord, withCRC bool) bool {
	ok := true
	for _, f := range files {
		srcPath := datasetDir + "/" + f.Name
		destName := filepath.Base(f.OriginPath)
		if destName == "" || destName == "." || destName == string(filepath.Separator) {
			destName = f.Name
		}
		destPath := filepath.Join(cacheDir, destName)

		size, crc, err := copyFileFromPFS(backend, srcPath, destPath)
		if err != nil {
			ok = false
			continue
		}
		if withCRC && f.HasCRC && crc != f.CRC32 {
			ok = false
			continue
		}

		m := meta.New(destName, destPath, rank, datasetID)
		m.Size = size
		m.OriginPath = f.OriginPath
		if f.HasCRC {
			m.SetCRC32(f.CRC32)
		}
		m.SetComplete(true)
		if err := meta.Write(m); err != nil {
			ok = false
			continue
		}
		if err := fm.AddFile(datasetID, rank, destName, m); err != nil {
			ok = false
		}
	}
	return ok
}

func copyFileFromPFS(backend pfs.Backend, srcPath, destPath string) (int64, uint32, error) {
	r, err := backend.Open(srcPath)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch: open %s: %w", srcPath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return 0, 0, fmt.Errorf("fetch: mkdir for %s: %w", destPath, err)
	}
	w, err := os.Create(destPath)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch: create %s: %w", destPath, err)
	}
	h := crc32.NewIEEE()
	size, err := io.Copy(io.MultiWriter(w, h), r)
	if err != nil {
		w.Close()
		return 0, 0, fmt.Errorf("fetch: copy into %s: %w", destPath, err)
	}
	if err := w.Close(); err != nil {
		return 0, 0, err
	}
	return size, h.Sum32(), nil
}

// removeDatasetFiles deletes every cache file this rank restored for a
// fetch attempt that ultimately failed net-wide, so a retry against an
// older candidate never finds a half-restored dataset in its way.
func removeDatasetFiles(fm *filemap.FileMap, datasetID, rank int) {
	for _, name := range fm.ListFiles(datasetID, rank) {
		if m, found := fm.GetFile(datasetID, rank, name); found {
			os.Remove(m.CachePath)
			os.Remove(m.SidecarPath())
		}
		fm.RemoveFile(datasetID, rank, name)
	}
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func bcastInt(g group.Group, v int) int {
	buf := g.Bcast(0, []byte(strconv.Itoa(v)))
	n, _ := strconv.Atoi(string(buf))
	return n
}
