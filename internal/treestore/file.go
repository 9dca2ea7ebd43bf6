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

package treestore

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ReadPath loads and unpacks a tree file. A missing file yields an empty
// tree, not an error -- the same "absence denotes incomplete" convention
// used throughout the filemap and meta layers.
func ReadPath(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("treestore: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return New(), nil
	}
	t, _, err := Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("treestore: unpack %s: %w", path, err)
	}
	return t, nil
}

// WritePath persists t to path atomically: write to a sibling temp file,
// fsync, then rename over the destination so a crash never leaves a
// half-written tree file in place.
func WritePath(path string, t *Tree) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("treestore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("treestore: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	data := Pack(t)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("treestore: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("treestore: fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("treestore: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("treestore: rename %s: %w", path, err)
	}
	return nil
}

// Locked holds an open, advisory-locked file descriptor for the lifetime
// of a read-modify-write sequence against a tree-store file (halt file,
// transfer file, index file — anything shared across ranks or jobs on
// the same node).
type Locked struct {
	f *os.File
}

// WriteWithLock opens (creating if necessary) path, takes an exclusive
// advisory file-range lock, lets fn mutate the tree that was on disk, and
// persists the result before releasing the lock. fn receives an empty
// tree if the file did not yet exist.
func WriteWithLock(path string, fn func(t *Tree) *Tree) error {
	locked, t, err := openLocked(path, true)
	if err != nil {
		return err
	}
	defer locked.close()

	result := fn(t)
	if result == nil {
		result = New()
	}
	data := Pack(result)
	if err := locked.f.Truncate(0); err != nil {
		return fmt.Errorf("treestore: truncate %s: %w", path, err)
	}
	if _, err := locked.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("treestore: write %s: %w", path, err)
	}
	return locked.f.Sync()
}

// ReadWithLock opens path under a shared advisory lock and returns the
// tree found there (empty if the file does not exist).
func ReadWithLock(path string) (*Tree, error) {
	locked, t, err := openLocked(path, false)
	if err != nil {
		return nil, err
	}
	defer locked.close()
	return t, nil
}

func openLocked(path string, exclusive bool) (*Locked, *Tree, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, nil, fmt.Errorf("treestore: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("treestore: open %s: %w", path, err)
	}
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("treestore: flock %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("treestore: read locked %s: %w", path, err)
	}
	var t *Tree
	if len(data) == 0 {
		t = New()
	} else {
		t, _, err = Unpack(data)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("treestore: unpack locked %s: %w", path, err)
		}
	}
	return &Locked{f: f}, t, nil
}

func (l *Locked) close() {
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	l.f.Close()
}
