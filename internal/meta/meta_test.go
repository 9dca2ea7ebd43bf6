package meta

import (
	"path/filepath"
	"testing"
)

func TestToTreeFromTreeRoundTrip(t *testing.T) {
	m := New("ckpt.0", "/cache/checkpoint.1/ckpt.0", 3, 1)
	m.Size = 1024
	m.SetCRC32(0xdeadbeef)
	m.SetComplete(true)
	m.Valid = true

	tr := m.ToTree()
	got := FromTree(tr)

	if got.LogicalName != m.LogicalName || got.CachePath != m.CachePath {
		t.Fatalf("name/path lost: %+v", got)
	}
	if got.Size != m.Size {
		t.Fatalf("size lost: got %d want %d", got.Size, m.Size)
	}
	crc, ok := got.CRC32()
	if !ok || crc != 0xdeadbeef {
		t.Fatalf("crc lost: %v %v", crc, ok)
	}
	if !got.Complete() || !got.Valid {
		t.Fatalf("complete/valid lost: %+v", got)
	}
}

func TestCRC32AbsenceIsNotZero(t *testing.T) {
	m := New("f", "/cache/f", 0, 0)
	if _, ok := m.CRC32(); ok {
		t.Fatalf("expected no crc recorded yet")
	}
	m.SetCRC32(0)
	if v, ok := m.CRC32(); !ok || v != 0 {
		t.Fatalf("recorded zero crc should read back as present: %v %v", v, ok)
	}
}

func TestSidecarWriteRevokeExists(t *testing.T) {
	dir := t.TempDir()
	m := New("f", filepath.Join(dir, "f"), 0, 1)
	m.SetComplete(true)

	if Exists(m.CachePath) {
		t.Fatalf("sidecar should not exist before Write")
	}
	if err := Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !Exists(m.CachePath) {
		t.Fatalf("sidecar should exist after Write")
	}
	if err := Revoke(m); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if Exists(m.CachePath) {
		t.Fatalf("sidecar should not exist after Revoke")
	}
}

func TestChunkFileName(t *testing.T) {
	if got, want := ChunkFileName(2, 4, 7), "2_of_4_in_7.xor"; got != want {
		t.Fatalf("ChunkFileName = %q, want %q", got, want)
	}
}
