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

// Package pfs abstracts the parallel/persistent file system a flush
// writes a dataset to and a fetch reads it back from. It generalizes
// the storage package's PersistenceEngine shape -- the same
// Read*/Write*/Remove* split across files/S3/Ceph backends -- from
// "per-shard column and log files" to "per-dataset flushed checkpoint
// file tree".
package pfs

import "io"

// Backend is a PFS prefix directory. Paths are always relative to the
// backend's configured prefix/bucket/pool.
type Backend interface {
	MkdirAll(path string) error
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
	RemoveAll(path string) error
	Exists(path string) bool

	// Symlink and ReadLink implement the `current` pointer: a name that
	// always resolves to the most recently completed dataset's
	// directory name, updated atomically after index.scr records
	// completeness.
	Symlink(target, linkName string) error
	ReadLink(linkName string) (string, bool)
}

// Factory builds a Backend rooted at a schema-specific prefix, mirroring
// storage.PersistenceEngine's factory pattern (one factory configured
// once, one engine instance per dataset-bearing subtree).
type Factory interface {
	Open(prefix string) Backend
}
