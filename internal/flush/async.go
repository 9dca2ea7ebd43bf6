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
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/index"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/pfs"
	"github.com/launix-de/scr-go/internal/screrr"
)

// AsyncFlushStart sets the FLUSHING marker, runs the dataset-name bcast
// the sync pipeline also uses, then enqueues this rank's (source,
// destination, size) tuples into tf and returns the two directory names
// AsyncFlushTest/Wait need later. It creates no dataset or meta
// directory on the PFS; unlike SyncFlush it has no leader-elected mkdir.
func AsyncFlushStart(g group.Group, fm *filemap.FileMap, flushFile *FlushFile, datasetID int, tf *TransferFile, opts Options) (datasetDir, metaDir string, err error) {
	rank := g.Rank()

	if err := flushFile.SetMarker(datasetID, MarkerFlushing); err != nil {
		return "", "", screrr.Wrap(screrr.IoFailed, "flush: set FLUSHING marker", err)
	}

	nameBuf := g.Bcast(0, []byte(fmt.Sprintf("scr.%d.%s.%d", opts.Now.Unix(), opts.JobID, datasetID)))
	datasetDir = string(nameBuf)
	metaDir = ".scr/scr.dataset." + strconv.Itoa(datasetID)

	entries := planFlushRank(fm, datasetDir, rank, datasetID)
	if err := tf.Enqueue(entries); err != nil {
		return "", "", screrr.Wrap(screrr.IoFailed, "flush: enqueue transfer entries", err)
	}
	g.Barrier()
	if rank == 0 {
		if err := tf.SetBandwidthPercent(0, 0); err != nil {
			return "", "", screrr.Wrap(screrr.IoFailed, "flush: init transfer bw/percent", err)
		}
	}
	return datasetDir, metaDir, nil
}

func planFlushRank(fm *filemap.FileMap, datasetDir string, rank, datasetID int) []TransferEntry {
	names := fm.ListFiles(datasetID, rank)
	var entries []TransferEntry
	for _, name := range names {
		m, found := fm.GetFile(datasetID, rank, name)
		if !found || m.Type == meta.TypeXORChunk {
			continue
		}
		destName := fmt.Sprintf("rank_%d.%s", rank, name)
		size := m.Size
		if size == 0 {
			if st, err := os.Stat(m.CachePath); err == nil {
				size = st.Size()
			}
		}
		entries = append(entries, TransferEntry{
			Source:      m.CachePath,
			Destination: datasetDir + "/" + destName,
			Size:        size,
		})
	}
	return entries
}

// AsyncFlushTest reports whether tf's queued files are all fully
// written. written == size is the authoritative completion predicate;
// a mover that only sets flag.done without updating written still
// reads as incomplete here.
func AsyncFlushTest(tf *TransferFile) (bool, error) {
	entries, err := tf.Entries()
	if err != nil {
		return false, screrr.Wrap(screrr.IoFailed, "flush: read transfer file", err)
	}
	return AllWritten(entries), nil
}

// AsyncFlushWait busy-polls AsyncFlushTest until it reports complete or
// maxPolls is exhausted, then finalizes exactly like the sync path:
// rank 0 aggregates every rank's file records and writes summary.scr
// and index.scr, and every rank updates its own flush.scr markers.
func AsyncFlushWait(g group.Group, tf *TransferFile, fm *filemap.FileMap, flushFile *FlushFile, datasetID int, backend pfs.Backend, metaDir, datasetDir string, opts Options, pollInterval time.Duration, maxPolls int) error {
	rank := g.Rank()
	size := g.Size()

	ok := pollUntilDone(tf, pollInterval, maxPolls)

	entries, err := tf.Entries()
	if err != nil {
		ok = false
		entries = nil
	}
	myRecords := fileRecordsFromTransfer(fm, datasetDir, entries, backend, rank, datasetID, opts.WithCRC)

	var allRecords []index.FileRecord
	if rank == 0 {
		allRecords = append(allRecords, myRecords...)
		for r := 1; r < size; r++ {
			resp := g.Recv(r)
			peerOK, files, unpackErr := unpackResult(resp)
			if unpackErr == nil {
				for i := range files {
					files[i].Rank = r
				}
				allRecords = append(allRecords, files...)
			}
			if !peerOK {
				ok = false
			}
		}
	} else {
		g.Send(0, packResult(ok, myRecords))
	}

	netOK := g.AllReduceInt(group.OpLogicalAnd, boolToInt(ok)) != 0

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
	return screrr.New(screrr.IoFailed, "flush: async transfer did not complete for one or more ranks")
}

// AsyncFlushStop posts command=STOP and waits for the mover to report
// STATE=STOPPED before returning, so a caller can safely clear the
// transfer file's file list afterward.
func AsyncFlushStop(tf *TransferFile, pollInterval time.Duration, maxPolls int) error {
	if err := tf.SetCommand(CommandStop); err != nil {
		return screrr.Wrap(screrr.IoFailed, "flush: post STOP command", err)
	}
	for i := 0; i < maxPolls; i++ {
		st, err := tf.State()
		if err == nil && st == StateStopped {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return screrr.New(screrr.IoFailed, "flush: mover did not report STOPPED before timeout")
}

func pollUntilDone(tf *TransferFile, pollInterval time.Duration, maxPolls int) bool {
	for i := 0; i < maxPolls; i++ {
		if ok, err := AsyncFlushTest(tf); err == nil && ok {
			return true
		}
		if i < maxPolls-1 {
			time.Sleep(pollInterval)
		}
	}
	ok, err := AsyncFlushTest(tf)
	return err == nil && ok
}

func fileRecordsFromTransfer(fm *filemap.FileMap, datasetDir string, entries []TransferEntry, backend pfs.Backend, rank, datasetID int, withCRC bool) []index.FileRecord {
	prefix := datasetDir + "/"
	var records []index.FileRecord
	for _, e := range entries {
		if !strings.HasPrefix(e.Destination, prefix) {
			continue
		}
		destName := strings.TrimPrefix(e.Destination, prefix)
		origin := originForCachePath(fm, rank, datasetID, e.Source)
		rec := index.FileRecord{Name: destName, Size: e.Written, OriginPath: origin}
		if withCRC {
			if crc, err := crcOfBackendFile(backend, e.Destination); err == nil {
				rec.CRC32 = crc
				rec.HasCRC = true
			}
		}
		records = append(records, rec)
	}
	return records
}

func originForCachePath(fm *filemap.FileMap, rank, datasetID int, cachePath string) string {
	for _, name := range fm.ListFiles(datasetID, rank) {
		if m, found := fm.GetFile(datasetID, rank, name); found && m.CachePath == cachePath {
			return m.OriginPath
		}
	}
	return ""
}

func crcOfBackendFile(backend pfs.Backend, path string) (uint32, error) {
	r, err := backend.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
