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

// Package filemap is the typed façade a rank uses to track which files
// it owns in cache, for which dataset, grouped by the rank that wrote
// them. The on-disk tree shape is dataset-id -> rank -> filename ->
// packed meta.Meta, written with treestore's same rename-into-place
// discipline database.save used for its schema.json. A NonLockingReadMap
// (github.com/launix-de/NonLockingReadMap, also vendored by the storage
// package for its own hot lookup paths) mirrors the tree for the
// GetFile/ListFiles fast path, since a rank consults its filemap far
// more often than it mutates it.
package filemap

import (
	"sort"
	"strconv"
	"sync"

	nlrm "github.com/launix-de/NonLockingReadMap"

	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/treestore"
)

// entry is the NonLockingReadMap element: composite key plus the record.
type entry struct {
	key string
	m   *meta.Meta
}

func (e entry) GetKey() string    { return e.key }
func (e entry) ComputeSize() uint { return uint(len(e.key)) + 96 }

func compositeKey(datasetID, rank int, filename string) string {
	return strconv.Itoa(datasetID) + "/" + strconv.Itoa(rank) + "/" + filename
}

// metaKey names the per-dataset child that holds expected-file-count
// and redundancy-descriptor bookkeeping, stored as a sibling of the
// numeric rank keys so it never shows up in ListRanks/ListFiles.
const metaKey = "_rdmeta"

// FileMap tracks per-(dataset,rank,file) metadata for one cache
// directory. Zero value is not usable; construct with New or Load.
type FileMap struct {
	mu    sync.Mutex
	path  string
	root  *treestore.Tree
	cache nlrm.NonLockingReadMap[entry, string]
}

// New returns an empty, unpersisted FileMap.
func New() *FileMap {
	return &FileMap{root: treestore.New(), cache: nlrm.New[entry, string]()}
}

// Load reads a FileMap previously written to path; a missing file loads
// as empty, matching treestore.ReadPath's absence convention.
func Load(path string) (*FileMap, error) {
	root, err := treestore.ReadPath(path)
	if err != nil {
		return nil, err
	}
	fm := &FileMap{path: path, root: root, cache: nlrm.New[entry, string]()}
	fm.rebuildCache()
	return fm, nil
}

func (fm *FileMap) rebuildCache() {
	fm.root.Each(func(dsKey string, dsTree *treestore.Tree) {
		datasetID, err := strconv.Atoi(dsKey)
		if err != nil {
			return
		}
		dsTree.Each(func(rankKey string, rankTree *treestore.Tree) {
			rank, err := strconv.Atoi(rankKey)
			if err != nil {
				return
			}
			rankTree.Each(func(filename string, metaTree *treestore.Tree) {
				m := meta.FromTree(metaTree)
				key := compositeKey(datasetID, rank, filename)
				fm.cache.Set(&entry{key: key, m: m})
			})
		})
	})
}

// persist rewrites the backing file under an exclusive lock. A FileMap
// built with New (no path) is in-memory only and persist is a no-op,
// the shape used by ExtractRank's transient per-rank views.
func (fm *FileMap) persist() error {
	if fm.path == "" {
		return nil
	}
	root := fm.root
	return treestore.WriteWithLock(fm.path, func(*treestore.Tree) *treestore.Tree {
		return root
	})
}

// AddFile records (or replaces) the metadata for a file and persists.
func (fm *FileMap) AddFile(datasetID, rank int, filename string, m *meta.Meta) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.root.Child(strconv.Itoa(datasetID)).Child(strconv.Itoa(rank)).Set(filename, m.ToTree())
	fm.cache.Set(&entry{key: compositeKey(datasetID, rank, filename), m: m})
	return fm.persist()
}

// RemoveFile drops a file's record and persists. A rank left with no
// files is dropped from the dataset, and a dataset left with no rank is
// dropped from the map together with its metaKey records.
func (fm *FileMap) RemoveFile(datasetID, rank int, filename string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if dsTree, ok := fm.root.Get(strconv.Itoa(datasetID)); ok {
		rankTree := dsTree.Child(strconv.Itoa(rank))
		rankTree.Unset(filename)
		if rankTree.Size() == 0 {
			dsTree.Unset(strconv.Itoa(rank))
		}
		if len(intKeys(dsTree)) == 0 {
			fm.root.Unset(strconv.Itoa(datasetID))
		}
	}
	fm.cache.Remove(compositeKey(datasetID, rank, filename))
	return fm.persist()
}

// GetFile is the fast read path: look up a record without touching the
// tree at all.
func (fm *FileMap) GetFile(datasetID, rank int, filename string) (*meta.Meta, bool) {
	e := fm.cache.Get(compositeKey(datasetID, rank, filename))
	if e == nil {
		return nil, false
	}
	return e.m, true
}

// ListFiles returns the filenames recorded for (dataset, rank), sorted.
func (fm *FileMap) ListFiles(datasetID, rank int) []string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var names []string
	ds, ok := fm.root.Get(strconv.Itoa(datasetID))
	if !ok {
		return names
	}
	rk, ok := ds.Get(strconv.Itoa(rank))
	if !ok {
		return names
	}
	names = rk.Keys()
	sort.Strings(names)
	return names
}

// ListRanks returns the ranks that have recorded any file for datasetID,
// ascending.
func (fm *FileMap) ListRanks(datasetID int) []int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	ds, ok := fm.root.Get(strconv.Itoa(datasetID))
	if !ok {
		return nil
	}
	ranks := intKeys(ds)
	sort.Ints(ranks)
	return ranks
}

// ListDatasets returns every dataset id present, ascending numerically
// (tree iteration order is lexicographic on the string key, which is
// wrong once ids reach two digits, so this sorts the parsed ints
// explicitly rather than trusting Keys order).
func (fm *FileMap) ListDatasets() []int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	ids := intKeys(fm.root)
	sort.Ints(ids)
	return ids
}

// NumDatasets reports how many distinct dataset ids are recorded.
func (fm *FileMap) NumDatasets() int {
	return len(fm.ListDatasets())
}

// LatestDataset returns the highest recorded dataset id.
func (fm *FileMap) LatestDataset() (int, bool) {
	ids := fm.ListDatasets()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[len(ids)-1], true
}

// OldestDataset returns the lowest recorded dataset id.
func (fm *FileMap) OldestDataset() (int, bool) {
	ids := fm.ListDatasets()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// ExtractRank returns a new, unpersisted FileMap holding only the
// records for one (dataset, rank) pair -- the shape cache redistribute
// and the flush scatter use to hand a single rank's file list to its
// new owner without exposing the rest of the map.
func (fm *FileMap) ExtractRank(datasetID, rank int) *FileMap {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	out := New()
	ds, ok := fm.root.Get(strconv.Itoa(datasetID))
	if !ok {
		return out
	}
	rk, ok := ds.Get(strconv.Itoa(rank))
	if !ok {
		return out
	}
	rk.Each(func(filename string, metaTree *treestore.Tree) {
		m := meta.FromTree(metaTree)
		out.root.Child(strconv.Itoa(datasetID)).Child(strconv.Itoa(rank)).Set(filename, metaTree.Clone())
		out.cache.Set(&entry{key: compositeKey(datasetID, rank, filename), m: m})
	})
	return out
}

// Merge unions other into fm, incoming (other's) records winning any
// (dataset, rank, file) collision -- the policy cache gather/scatter and
// restart redistribute rely on when a node's filemap is rebuilt from
// every rank that reports in.
func (fm *FileMap) Merge(other *FileMap) error {
	fm.mu.Lock()
	other.mu.Lock()
	defer other.mu.Unlock()
	defer fm.mu.Unlock()

	other.root.Each(func(dsKey string, dsTree *treestore.Tree) {
		datasetID, err := strconv.Atoi(dsKey)
		if err != nil {
			return
		}
		dsTree.Each(func(rankKey string, rankTree *treestore.Tree) {
			rank, err := strconv.Atoi(rankKey)
			if err != nil {
				return
			}
			rankTree.Each(func(filename string, metaTree *treestore.Tree) {
				cloned := metaTree.Clone()
				fm.root.Child(dsKey).Child(rankKey).Set(filename, cloned)
				fm.cache.Set(&entry{key: compositeKey(datasetID, rank, filename), m: meta.FromTree(cloned)})
			})
		})
	})
	return fm.persist()
}

// SetExpectedFiles records how many files (dataset, rank) should hold
// once its checkpoint write completes, so a restart can tell a rank
// that is merely short one routed file apart from one whose cache
// directory is gone entirely.
func (fm *FileMap) SetExpectedFiles(datasetID, rank, n int) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.root.Child(strconv.Itoa(datasetID)).Child(metaKey).Child(strconv.Itoa(rank)).SetKVInt("expected", n)
	return fm.persist()
}

// ExpectedFiles returns the expected-file-count previously recorded for
// (dataset, rank), if any.
func (fm *FileMap) ExpectedFiles(datasetID, rank int) (int, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	rk, ok := fm.rdMetaTree(datasetID, rank)
	if !ok {
		return 0, false
	}
	return rk.GetKVInt("expected")
}

// HasExpectedFiles reports whether (dataset, rank) currently holds at
// least as many files as SetExpectedFiles recorded for it. A rank with
// nothing recorded is reported complete, since there is nothing to
// check it against.
func (fm *FileMap) HasExpectedFiles(datasetID, rank int) bool {
	expected, ok := fm.ExpectedFiles(datasetID, rank)
	if !ok {
		return true
	}
	return len(fm.ListFiles(datasetID, rank)) >= expected
}

// SetRD persists the redundancy descriptor that protected (dataset,
// rank) -- scheme, the XOR/PARTNER group id, and the group's set size
// -- so a later Init can reconstitute the same grouping instead of
// blindly re-splitting the level group and hoping the layout matches.
func (fm *FileMap) SetRD(datasetID, rank int, scheme string, groupID, setSize int) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	rk := fm.root.Child(strconv.Itoa(datasetID)).Child(metaKey).Child(strconv.Itoa(rank))
	rk.SetKV("scheme", scheme)
	rk.SetKVInt("group", groupID)
	rk.SetKVInt("setsize", setSize)
	return fm.persist()
}

// RD returns the redundancy descriptor persisted by SetRD for (dataset,
// rank), if any.
func (fm *FileMap) RD(datasetID, rank int) (scheme string, groupID, setSize int, ok bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	rk, present := fm.rdMetaTree(datasetID, rank)
	if !present {
		return "", 0, 0, false
	}
	scheme, ok = rk.GetKV("scheme")
	if !ok {
		return "", 0, 0, false
	}
	groupID, _ = rk.GetKVInt("group")
	setSize, _ = rk.GetKVInt("setsize")
	return scheme, groupID, setSize, true
}

// rdMetaTree looks up the metaKey/rank sub-tree without locking -- callers
// hold fm.mu already.
func (fm *FileMap) rdMetaTree(datasetID, rank int) (*treestore.Tree, bool) {
	ds, ok := fm.root.Get(strconv.Itoa(datasetID))
	if !ok {
		return nil, false
	}
	rdMeta, ok := ds.Get(metaKey)
	if !ok {
		return nil, false
	}
	return rdMeta.Get(strconv.Itoa(rank))
}

func intKeys(t *treestore.Tree) []int {
	var out []int
	t.Each(func(key string, _ *treestore.Tree) {
		if n, err := strconv.Atoi(key); err == nil {
			out = append(out, n)
		}
	})
	return out
}

// String renders the underlying tree, for scr_print_hash_file-style
// inspection tools.
func (fm *FileMap) String() string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.root.String()
}

// Pack serializes fm's tree for sending over a Group channel or writing
// to a transfer payload -- the gather/scatter and redistribute protocols
// exchange whole filemaps this way.
func (fm *FileMap) Pack() []byte {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return treestore.Pack(fm.root)
}

// Unpack reconstructs a FileMap previously serialized with Pack.
func Unpack(data []byte) (*FileMap, error) {
	root, _, err := treestore.Unpack(data)
	if err != nil {
		return nil, err
	}
	fm := &FileMap{root: root, cache: nlrm.New[entry, string]()}
	fm.rebuildCache()
	return fm, nil
}
