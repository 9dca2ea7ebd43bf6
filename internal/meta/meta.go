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

// Package meta holds the per-file metadata record: size, CRC32, owning
// rank, dataset id, file type, and the completeness flag. Completion is
// additionally recorded on disk as a sidecar "<file>.scr" tree so a
// crashed rank's half-written file is distinguishable from a finished
// one by the mere presence of the sidecar, without reading the payload
// file at all.
package meta

import (
	"os"
	"strconv"

	"github.com/launix-de/scr-go/internal/treestore"
)

// FileType distinguishes an original user checkpoint file from a chunk
// file produced by the XOR redundancy codec.
type FileType int

const (
	TypeFull FileType = iota
	TypeXORChunk
)

func (t FileType) String() string {
	if t == TypeXORChunk {
		return "XOR_CHUNK"
	}
	return "FULL"
}

// Meta is a pure data record with accessors; CRC32 absence is distinct
// from a recorded zero so "never checksummed" and "checksum is 0" don't
// collapse into the same state.
type Meta struct {
	LogicalName string
	CachePath   string
	Size        int64
	crc32       uint32
	hasCRC      bool
	OriginRank  int
	OriginPath  string
	DatasetID   int
	Type        FileType
	complete    bool
	Valid       bool
}

// New builds an incomplete Meta record for a file about to be written.
func New(logicalName, cachePath string, originRank, datasetID int) *Meta {
	return &Meta{
		LogicalName: logicalName,
		CachePath:   cachePath,
		OriginRank:  originRank,
		DatasetID:   datasetID,
		Type:        TypeFull,
	}
}

// CRC32 returns the recorded checksum and whether one has been computed.
func (m *Meta) CRC32() (uint32, bool) { return m.crc32, m.hasCRC }

// SetCRC32 records a checksum.
func (m *Meta) SetCRC32(v uint32) {
	m.crc32 = v
	m.hasCRC = true
}

// Complete reports whether this record was marked complete.
func (m *Meta) Complete() bool { return m.complete }

// SetComplete flips the completeness flag. It does not touch the
// sidecar file; callers write/unlink the sidecar via Write/Revoke so the
// two stay in lock-step with the on-disk state machine: a missing meta
// file denotes incomplete.
func (m *Meta) SetComplete(v bool) { m.complete = v }

// SidecarPath returns "<file>.scr" for m's cache path.
func (m *Meta) SidecarPath() string {
	return m.CachePath + ".scr"
}

// ToTree packs m into a tree-store node for persistence inside the
// filemap.
func (m *Meta) ToTree() *treestore.Tree {
	t := treestore.New()
	t.SetKV("name", m.LogicalName)
	t.SetKV("path", m.CachePath)
	t.SetKVInt("size", int(m.Size))
	if m.hasCRC {
		t.SetKVInt("crc32", int(m.crc32))
	}
	t.SetKVInt("rank", m.OriginRank)
	t.SetKV("origin", m.OriginPath)
	t.SetKVInt("dataset", m.DatasetID)
	t.SetKV("type", m.Type.String())
	if m.complete {
		t.SetKV("complete", "1")
	}
	if m.Valid {
		t.SetKV("valid", "1")
	}
	return t
}

// FromTree reconstructs a Meta previously packed with ToTree.
func FromTree(t *treestore.Tree) *Meta {
	m := &Meta{}
	m.LogicalName, _ = t.GetKV("name")
	m.CachePath, _ = t.GetKV("path")
	if size, ok := t.GetKVInt("size"); ok {
		m.Size = int64(size)
	}
	if crc, ok := t.GetKVInt("crc32"); ok {
		m.SetCRC32(uint32(crc))
	}
	m.OriginRank, _ = t.GetKVInt("rank")
	m.OriginPath, _ = t.GetKV("origin")
	m.DatasetID, _ = t.GetKVInt("dataset")
	if typ, ok := t.GetKV("type"); ok && typ == "XOR_CHUNK" {
		m.Type = TypeXORChunk
	}
	if v, ok := t.GetKV("complete"); ok && v == "1" {
		m.complete = true
	}
	if v, ok := t.GetKV("valid"); ok && v == "1" {
		m.Valid = true
	}
	return m
}

// Write persists the completeness sidecar for the file m describes.
func Write(m *Meta) error {
	return treestore.WritePath(m.SidecarPath(), m.ToTree())
}

// Revoke unlinks the sidecar, marking the file incomplete again.
func Revoke(m *Meta) error {
	return removeIfExists(m.SidecarPath())
}

// Exists reports whether the sidecar for cachePath is present, the cheap
// on-disk completeness check used by cache redistribute and deletion.
func Exists(cachePath string) bool {
	_, err := os.Stat(cachePath + ".scr")
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ChunkFileName builds the "<n>_of_<N>_in_<group>.xor" chunk-file basename.
func ChunkFileName(rank, setSize, groupID int) string {
	return strconv.Itoa(rank) + "_of_" + strconv.Itoa(setSize) + "_in_" + strconv.Itoa(groupID) + ".xor"
}
