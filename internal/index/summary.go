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

package index

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/launix-de/scr-go/internal/pfs"
	"github.com/launix-de/scr-go/internal/treestore"
)

// SummaryVersion is bumped whenever the summary tree shape changes in a
// way a fetch from an older writer can't interpret.
const SummaryVersion = 1

// FileRecord is one rank's file as recorded by flush -- enough for a
// fetch to rebuild the per-rank file list and CRC-check what it copies
// back without consulting the filemap at all.
type FileRecord struct {
	Rank       int
	Name       string
	Size       int64
	CRC32      uint32
	HasCRC     bool
	OriginPath string
}

func summaryPath(datasetDir string) string {
	return datasetDir + "/summary.scr"
}

// Summary is the per-dataset `<prefix>/.scr/scr.dataset.<id>/summary.scr`
// tree, written once by flush on completion.
type Summary struct {
	Version   int
	Complete  bool
	DatasetID int
	Ranks     int
	Files     []FileRecord
}

func NewSummary(datasetID, ranks int) *Summary {
	return &Summary{Version: SummaryVersion, DatasetID: datasetID, Ranks: ranks}
}

// FilesByRank groups Files by originating rank, sorted by name within
// each rank -- the order a fetch scatters them back out in.
func (s *Summary) FilesByRank() map[int][]FileRecord {
	out := make(map[int][]FileRecord)
	for _, f := range s.Files {
		out[f.Rank] = append(out[f.Rank], f)
	}
	for rank := range out {
		sort.Slice(out[rank], func(i, j int) bool { return out[rank][i].Name < out[rank][j].Name })
	}
	return out
}

func (s *Summary) toTree() *treestore.Tree {
	t := treestore.New()
	t.SetKVInt("version", s.Version)
	t.SetKVInt("dataset", s.DatasetID)
	t.SetKVInt("ranks", s.Ranks)
	if s.Complete {
		t.SetKV("complete", "1")
	}
	filesT := t.Child("files")
	for i, f := range s.Files {
		ft := filesT.ChildInt(i)
		ft.SetKVInt("rank", f.Rank)
		ft.SetKV("name", f.Name)
		ft.SetKVInt("size", int(f.Size))
		if f.HasCRC {
			ft.SetKVInt("crc32", int(f.CRC32))
		}
		ft.SetKV("origin", f.OriginPath)
	}
	return t
}

func summaryFromTree(t *treestore.Tree) *Summary {
	s := &Summary{}
	s.Version, _ = t.GetKVInt("version")
	s.DatasetID, _ = t.GetKVInt("dataset")
	s.Ranks, _ = t.GetKVInt("ranks")
	if v, ok := t.GetKV("complete"); ok && v == "1" {
		s.Complete = true
	}
	if filesT, ok := t.Get("files"); ok {
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
			var f FileRecord
			f.Rank, _ = ft.GetKVInt("rank")
			f.Name, _ = ft.GetKV("name")
			if size, ok := ft.GetKVInt("size"); ok {
				f.Size = int64(size)
			}
			if crc, ok := ft.GetKVInt("crc32"); ok {
				f.CRC32 = uint32(crc)
				f.HasCRC = true
			}
			f.OriginPath, _ = ft.GetKV("origin")
			s.Files = append(s.Files, f)
		}
	}
	return s
}

// PackSummary serializes s for a group broadcast (fetch's rank 0 reads
// summary.scr once and hands every other rank its bytes rather than
// having all ranks hit the backend for the same object).
func PackSummary(s *Summary) []byte {
	return treestore.Pack(s.toTree())
}

// UnpackSummary is the receiving side of PackSummary.
func UnpackSummary(data []byte) (*Summary, error) {
	t, _, err := treestore.Unpack(data)
	if err != nil {
		return nil, err
	}
	return summaryFromTree(t), nil
}

// LoadSummary reads the summary for datasetDir (e.g.
// ".scr/scr.dataset.5"), validates its version, and returns it.
func LoadSummary(backend pfs.Backend, datasetDir string) (*Summary, error) {
	t, err := readTree(backend, summaryPath(datasetDir))
	if err != nil {
		return nil, err
	}
	s := summaryFromTree(t)
	if s.Version == 0 {
		return nil, fmt.Errorf("index: no summary found at %s", summaryPath(datasetDir))
	}
	if s.Version != SummaryVersion {
		return nil, fmt.Errorf("index: summary version %d at %s, expected %d", s.Version, summaryPath(datasetDir), SummaryVersion)
	}
	return s, nil
}

// Save persists s to backend under datasetDir/summary.scr.
func (s *Summary) Save(backend pfs.Backend, datasetDir string) error {
	return writeTree(backend, summaryPath(datasetDir), s.toTree())
}
