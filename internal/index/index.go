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

// Package index holds the two PFS-resident trees a flush writes and a
// fetch reads: the top-level index (dataset id -> name -> history,
// plus a `current` pointer) and a per-dataset summary (file roster at
// flush time). Both are plain treestore.Tree payloads moved through a
// pfs.Backend rather than the local, flock-guarded files treestore
// itself manages -- there is exactly one rank (rank 0) ever touching
// either file within a run, so the file-lock discipline the control
// directory needs doesn't apply here.
package index

import (
	"io"
	"sort"
	"strconv"

	"github.com/launix-de/scr-go/internal/pfs"
	"github.com/launix-de/scr-go/internal/treestore"
)

const IndexPath = ".scr/index.scr"

// Entry is one dataset's history in the index.
type Entry struct {
	DatasetID int
	Name      string
	Complete  bool
	Failed    bool
	Fetched   []int64
	FailedAt  []int64
	Flushed   []int64
}

// Index is the top-level `<prefix>/.scr/index.scr` tree.
type Index struct {
	Current string
	Entries map[int]*Entry
}

func New() *Index {
	return &Index{Entries: make(map[int]*Entry)}
}

// Load reads the index tree from backend; a missing object loads as an
// empty index, matching treestore.ReadPath's absence convention.
func Load(backend pfs.Backend, path string) (*Index, error) {
	t, err := readTree(backend, path)
	if err != nil {
		return nil, err
	}
	return fromTree(t), nil
}

// Save persists ix to backend, overwriting whatever was there.
func (ix *Index) Save(backend pfs.Backend, path string) error {
	return writeTree(backend, path, ix.toTree())
}

func (ix *Index) entry(datasetID int, name string) *Entry {
	e, ok := ix.Entries[datasetID]
	if !ok {
		e = &Entry{DatasetID: datasetID, Name: name}
		ix.Entries[datasetID] = e
	}
	if name != "" {
		e.Name = name
	}
	return e
}

// MarkComplete records that datasetID's flush finished successfully at
// now and, if isCheckpoint, repoints `current` at it.
func (ix *Index) MarkComplete(datasetID int, name string, now int64, isCheckpoint bool) {
	e := ix.entry(datasetID, name)
	e.Complete = true
	e.Failed = false
	e.Flushed = append(e.Flushed, now)
	if isCheckpoint {
		ix.Current = name
	}
}

// MarkFailed records a failed fetch attempt against datasetID so a
// retry skips straight past it to the next-oldest candidate.
func (ix *Index) MarkFailed(datasetID int, now int64) {
	e := ix.entry(datasetID, "")
	e.Failed = true
	e.FailedAt = append(e.FailedAt, now)
}

// MarkFetched records a successful fetch of datasetID at now.
func (ix *Index) MarkFetched(datasetID int, now int64) {
	e := ix.entry(datasetID, "")
	e.Fetched = append(e.Fetched, now)
}

// Candidate returns the dataset to restart from: `current` if it names
// a still-complete, non-failed entry, otherwise the most recent
// complete, non-failed entry.
func (ix *Index) Candidate() (name string, datasetID int, ok bool) {
	if ix.Current != "" {
		for _, e := range ix.Entries {
			if e.Name == ix.Current && e.Complete && !e.Failed {
				return e.Name, e.DatasetID, true
			}
		}
	}
	return ix.mostRecentComplete(0)
}

// NextOldestCandidate returns the most recent complete, non-failed
// entry strictly older than excludeDatasetID -- the fetch retry path
// after excludeDatasetID turned out to be unusable.
func (ix *Index) NextOldestCandidate(excludeDatasetID int) (name string, datasetID int, ok bool) {
	return ix.mostRecentComplete(excludeDatasetID)
}

func (ix *Index) mostRecentComplete(below int) (string, int, bool) {
	best := -1
	for id, e := range ix.Entries {
		if !e.Complete || e.Failed {
			continue
		}
		if below > 0 && id >= below {
			continue
		}
		if id > best {
			best = id
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return ix.Entries[best].Name, best, true
}

func (ix *Index) toTree() *treestore.Tree {
	t := treestore.New()
	if ix.Current != "" {
		t.SetKV("current", ix.Current)
	}
	ids := make([]int, 0, len(ix.Entries))
	for id := range ix.Entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		e := ix.Entries[id]
		dsT := t.ChildInt(id)
		dsT.SetKV("name", e.Name)
		if e.Complete {
			dsT.SetKV("complete", "1")
		}
		if e.Failed {
			dsT.SetKV("failed", "1")
		}
		setInt64List(dsT, "fetched", e.Fetched)
		setInt64List(dsT, "failed_at", e.FailedAt)
		setInt64List(dsT, "flushed", e.Flushed)
	}
	return t
}

func fromTree(t *treestore.Tree) *Index {
	ix := New()
	ix.Current, _ = t.GetKV("current")
	t.Each(func(key string, sub *treestore.Tree) {
		if key == "current" {
			return
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			return
		}
		e := &Entry{DatasetID: id}
		e.Name, _ = sub.GetKV("name")
		if v, ok := sub.GetKV("complete"); ok && v == "1" {
			e.Complete = true
		}
		if v, ok := sub.GetKV("failed"); ok && v == "1" {
			e.Failed = true
		}
		e.Fetched = int64List(sub, "fetched")
		e.FailedAt = int64List(sub, "failed_at")
		e.Flushed = int64List(sub, "flushed")
		ix.Entries[id] = e
	})
	return ix
}

func setInt64List(t *treestore.Tree, key string, values []int64) {
	if len(values) == 0 {
		return
	}
	list := t.Child(key)
	for i, v := range values {
		list.SetKVInt(strconv.Itoa(i), int(v))
	}
}

func int64List(t *treestore.Tree, key string) []int64 {
	sub, ok := t.Get(key)
	if !ok {
		return nil
	}
	keys := sub.Keys()
	sort.Strings(keys)
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		if v, ok := sub.GetKVInt(k); ok {
			out = append(out, int64(v))
		}
	}
	return out
}

func readTree(backend pfs.Backend, path string) (*treestore.Tree, error) {
	if !backend.Exists(path) {
		return treestore.New(), nil
	}
	r, err := backend.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return treestore.New(), nil
	}
	t, _, err := treestore.Unpack(data)
	return t, err
}

func writeTree(backend pfs.Backend, path string, t *treestore.Tree) error {
	w, err := backend.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(treestore.Pack(t)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
