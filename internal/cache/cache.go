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

// Package cache manages the per-node cache directory: eviction when a
// cache-descriptor fills up, deletion of one dataset's files, and the
// gather/scatter/redistribute dance that rebalances a node's filemaps
// across whatever ranks happen to land on it between runs.
package cache

import (
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/treestore"
)

// Dataset describes one cache-resident dataset for eviction purposes.
type Dataset struct {
	ID        int
	Base      string
	Dir       string
	Flushing  bool
	CreatedAt int64 // monotonically increasing sequence, not wall clock
}

// Controller owns one node's cache directory and its filemap.
type Controller struct {
	FM          *filemap.FileMap
	Size        int // cache-descriptor size: max datasets resident per base
	CRCOnDelete bool
}

// EnsureCapacity evicts datasets at base until fewer than c.Size remain,
// skipping any dataset currently flushing. If every candidate is
// flushing, it returns an error instead of blocking forever -- callers
// that can wait for a flush to finish should retry.
func (c *Controller) EnsureCapacity(base string, datasets []Dataset, onEvict func(Dataset) error) error {
	matching := make([]Dataset, 0, len(datasets))
	for _, d := range datasets {
		if d.Base == base {
			matching = append(matching, d)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].CreatedAt < matching[j].CreatedAt })

	for len(matching) >= c.Size {
		idx := -1
		for i, d := range matching {
			if !d.Flushing {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("cache: all %d datasets at base %q are flushing, cannot evict", len(matching), base)
		}
		victim := matching[idx]
		if err := onEvict(victim); err != nil {
			return fmt.Errorf("cache: evicting dataset %d: %w", victim.ID, err)
		}
		matching = append(matching[:idx], matching[idx+1:]...)
	}
	return nil
}

// DeleteDataset removes every file this node's filemap records for
// datasetID: the payload file, its completeness sidecar, and finally
// the dataset's own subdirectory. CRC is optionally re-verified first
// so silent cache corruption surfaces as an error rather than being
// silently propagated forward.
func (c *Controller) DeleteDataset(datasetID int, datasetDir string) error {
	for _, rank := range c.FM.ListRanks(datasetID) {
		for _, name := range c.FM.ListFiles(datasetID, rank) {
			m, ok := c.FM.GetFile(datasetID, rank, name)
			if !ok {
				continue
			}
			if c.CRCOnDelete {
				if want, hasCRC := m.CRC32(); hasCRC {
					if got, err := fileCRC32(m.CachePath); err == nil && got != want {
						return fmt.Errorf("cache: crc mismatch deleting %s (rank %d, dataset %d)", name, rank, datasetID)
					}
				}
			}
			removeIfExists(m.CachePath)
			removeIfExists(m.SidecarPath())
			if err := c.FM.RemoveFile(datasetID, rank, name); err != nil {
				return err
			}
		}
	}
	if datasetDir != "" {
		if err := os.RemoveAll(datasetDir); err != nil {
			return fmt.Errorf("cache: removing dataset dir %s: %w", datasetDir, err)
		}
	}
	return nil
}

func fileCRC32(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// GatherScatter runs init-time filemap rebalancing across nodeGroup, the
// sub-group of ranks sharing this node: rank 0 of nodeGroup (the
// "master") collects every rank's local filemap, merges them, assigns
// each local rank its own worldRank entries first, then distributes
// whatever remains round-robin across the node's ranks. Every rank
// returns the FileMap it now owns locally.
func GatherScatter(nodeGroup group.Group, worldRank int, local *filemap.FileMap, datasetID int) (*filemap.FileMap, error) {
	const masterRank = 0
	n := nodeGroup.Size()
	rank := nodeGroup.Rank()

	mine := local.ExtractRank(datasetID, worldRank)
	packed := packFileMap(mine)

	if rank != masterRank {
		nodeGroup.Send(masterRank, packed)
		data := nodeGroup.Recv(masterRank)
		return unpackFileMap(data)
	}

	merged := filemap.New()
	if err := merged.Merge(mine); err != nil {
		return nil, err
	}
	// world rank -> local group rank that reported it; every rank sends
	// only its own worldRank's entries, so this is each rank's own claim.
	reportedBy := make(map[int]int)
	for _, wr := range mine.ListRanks(datasetID) {
		reportedBy[wr] = rank
	}
	for r := 0; r < n; r++ {
		if r == masterRank {
			continue
		}
		data := nodeGroup.Recv(r)
		fm, err := unpackFileMap(data)
		if err != nil {
			return nil, err
		}
		for _, wr := range fm.ListRanks(datasetID) {
			reportedBy[wr] = r
		}
		if err := merged.Merge(fm); err != nil {
			return nil, err
		}
	}

	ranks := merged.ListRanks(datasetID)
	assigned := make(map[int]int) // world rank -> local group rank owning it
	claimed := make(map[int]bool)
	for _, r := range ranks {
		if lr, ok := reportedBy[r]; ok {
			assigned[r] = lr
			claimed[r] = true
		}
	}
	// round-robin the rest across local group ranks: this is what lets a
	// different number of ranks land on the node between runs without
	// losing track of whose files are whose.
	next := 0
	for _, r := range ranks {
		if claimed[r] {
			continue
		}
		assigned[r] = next
		next = (next + 1) % n
	}

	perRankFM := make([]*filemap.FileMap, n)
	for i := range perRankFM {
		perRankFM[i] = filemap.New()
	}
	for r := range assigned {
		dest := assigned[r]
		extracted := merged.ExtractRank(datasetID, r)
		if err := perRankFM[dest].Merge(extracted); err != nil {
			return nil, err
		}
	}

	for r := 1; r < n; r++ {
		nodeGroup.Send(r, packFileMap(perRankFM[r]))
	}
	return perRankFM[masterRank], nil
}

func packFileMap(fm *filemap.FileMap) []byte {
	return fm.Pack()
}

func unpackFileMap(data []byte) (*filemap.FileMap, error) {
	return filemap.Unpack(data)
}

// RankFiles is one group rank's local view for Redistribute:
// TargetWorldRank is the world rank this process is responsible for
// this run; HeldWorldRank is whichever world rank's files it physically
// has on disk right now (-1 if none), which may differ from
// TargetWorldRank whenever ranks-per-node changed since the files were
// written.
type RankFiles struct {
	TargetWorldRank int
	HeldWorldRank   int
	Files           map[string]string // logical name -> on-disk path
}

// Redistribute runs the restart redistribute protocol over g: every
// rank broadcasts its RankFiles, so every rank (not just the two
// endpoints) can deterministically compute the identical transfer plan
// from the shared snapshot -- the lowest-ranked holder of each needed
// world rank's files becomes that world rank's source, mirroring how
// group.Local's Split lets every rank recompute membership
// independently once the data is in hand. Only genuinely paired
// (source, destination) ranks then exchange bytes, so there is no
// request/response round to get wrong. A same-rank match is a no-op;
// a cross-rank match streams the file and removes the source's copy
// (move, not copy). found reports, per requested target world rank,
// whether a source was located.
func Redistribute(g group.Group, mine RankFiles, destDir string) (found map[int]bool, err error) {
	n := g.Size()
	myRank := g.Rank()

	holdings := make([]RankFiles, n)
	for r := 0; r < n; r++ {
		var payload RankFiles
		if r == myRank {
			payload = mine
		}
		got := g.Bcast(r, packRankFiles(payload))
		holdings[r] = unpackRankFiles(got)
	}

	sourceFor := func(worldRank int) int {
		for r := 0; r < n; r++ {
			if holdings[r].HeldWorldRank == worldRank {
				return r
			}
		}
		return -1
	}

	found = make(map[int]bool)

	if mine.HeldWorldRank != mine.TargetWorldRank {
		src := sourceFor(mine.TargetWorldRank)
		found[mine.TargetWorldRank] = src >= 0
		if src >= 0 && src != myRank {
			names := sortedKeys(holdings[src].Files)
			for _, name := range names {
				data := g.Recv(src)
				destPath := destDir + "/" + name
				if err := os.WriteFile(destPath, data, 0640); err != nil {
					return nil, fmt.Errorf("redistribute: write %s: %w", destPath, err)
				}
			}
		}
	} else {
		found[mine.TargetWorldRank] = true
	}

	for dst := 0; dst < n; dst++ {
		if dst == myRank {
			continue
		}
		if holdings[dst].HeldWorldRank == holdings[dst].TargetWorldRank {
			continue // that rank already has its own files, nothing to serve
		}
		if sourceFor(holdings[dst].TargetWorldRank) != myRank {
			continue // I'm not the chosen source for dst
		}
		for _, name := range sortedKeys(mine.Files) {
			path := mine.Files[name]
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, fmt.Errorf("redistribute: read %s: %w", path, rerr)
			}
			g.Send(dst, data)
			os.Remove(path)
		}
	}

	return found, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func packRankFiles(rf RankFiles) []byte {
	t := treestore.New()
	t.SetKVInt("target", rf.TargetWorldRank)
	t.SetKVInt("held", rf.HeldWorldRank)
	for _, name := range sortedKeys(rf.Files) {
		t.Child("files").SetKV(name, rf.Files[name])
	}
	return treestore.Pack(t)
}

func unpackRankFiles(data []byte) RankFiles {
	rf := RankFiles{TargetWorldRank: -1, HeldWorldRank: -1, Files: map[string]string{}}
	t, _, err := treestore.Unpack(data)
	if err != nil {
		return rf
	}
	rf.TargetWorldRank, _ = t.GetKVInt("target")
	rf.HeldWorldRank, _ = t.GetKVInt("held")
	if files, ok := t.Get("files"); ok {
		for _, name := range files.Keys() {
			if path, ok := files.GetKV(name); ok {
				rf.Files[name] = path
			}
		}
	}
	return rf
}
