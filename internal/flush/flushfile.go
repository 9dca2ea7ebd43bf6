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

// Package flush implements the synchronous and asynchronous checkpoint
// flush pipelines: moving a complete cache dataset out to the parallel
// file system, and the per-dataset flush.scr marker file (glossary
// "Flush") a need_flush query consults to tell "never flushed" from
// "flushed" from "flush attempted and failed" apart.
package flush

import (
	"sort"
	"strconv"

	"github.com/launix-de/scr-go/internal/treestore"
)

// Marker names recorded per dataset in flush.scr.
const (
	MarkerCache    = "CACHE"
	MarkerPFS      = "PFS"
	MarkerFlushing = "FLUSHING"
	MarkerFailed   = "FAILED"
)

// FlushFile is the per-node control-directory file recording, for every
// dataset this node has touched, which of CACHE/PFS/FLUSHING/FAILED
// apply. It is local (one per cache directory, flock-guarded like the
// halt file), not the PFS-resident index/summary.
type FlushFile struct {
	path string
}

func Open(path string) *FlushFile {
	return &FlushFile{path: path}
}

// SetMarker adds marker to datasetID's set.
func (f *FlushFile) SetMarker(datasetID int, marker string) error {
	return treestore.WriteWithLock(f.path, func(t *treestore.Tree) *treestore.Tree {
		t.Child(strconv.Itoa(datasetID)).SetKV(marker, "1")
		return t
	})
}

// ClearMarker removes marker from datasetID's set, a no-op if absent.
func (f *FlushFile) ClearMarker(datasetID int, marker string) error {
	return treestore.WriteWithLock(f.path, func(t *treestore.Tree) *treestore.Tree {
		if ds, ok := t.Get(strconv.Itoa(datasetID)); ok {
			ds.UnsetKV(marker, "1")
		}
		return t
	})
}

// HasMarker reports whether marker is set for datasetID.
func (f *FlushFile) HasMarker(datasetID int, marker string) bool {
	t, err := treestore.ReadWithLock(f.path)
	if err != nil {
		return false
	}
	ds, ok := t.Get(strconv.Itoa(datasetID))
	if !ok {
		return false
	}
	_, ok = ds.GetKV(marker)
	return ok
}

// Location returns the markers set for datasetID, sorted.
func (f *FlushFile) Location(datasetID int) []string {
	t, err := treestore.ReadWithLock(f.path)
	if err != nil {
		return nil
	}
	ds, ok := t.Get(strconv.Itoa(datasetID))
	if !ok {
		return nil
	}
	markers := ds.Keys()
	sort.Strings(markers)
	return markers
}

// NeedFlush reports whether datasetID has never been successfully
// flushed to PFS -- either nothing has been recorded yet, or the last
// attempt ended in FAILED.
func (f *FlushFile) NeedFlush(datasetID int) bool {
	return !f.HasMarker(datasetID, MarkerPFS) || f.HasMarker(datasetID, MarkerFailed)
}

// Remove drops every marker for datasetID, used once a dataset is
// deleted from cache.
func (f *FlushFile) Remove(datasetID int) error {
	return treestore.WriteWithLock(f.path, func(t *treestore.Tree) *treestore.Tree {
		t.Unset(strconv.Itoa(datasetID))
		return t
	})
}
