package treestore

import (
	"path/filepath"
	"testing"
)

// buildSample builds a small nested tree used across several tests.
func buildSample() *Tree {
	t := New()
	t.SetKV("name", "ckpt1")
	t.SetKVInt("id", 7)
	ranks := t.Child("ranks")
	ranks.ChildInt(0).SetKV("host", "node1")
	ranks.ChildInt(1).SetKV("host", "node2")
	return t
}

func TestSetGetKV(t *testing.T) {
	tr := buildSample()
	if v, ok := tr.GetKV("name"); !ok || v != "ckpt1" {
		t.Fatalf("GetKV(name) = %q, %v", v, ok)
	}
	if v, ok := tr.GetKVInt("id"); !ok || v != 7 {
		t.Fatalf("GetKVInt(id) = %d, %v", v, ok)
	}
}

func TestUnset(t *testing.T) {
	tr := buildSample()
	tr.Unset("name")
	if _, ok := tr.Get("name"); ok {
		t.Fatalf("expected name to be gone after Unset")
	}
	if tr.Size() != 2 {
		t.Fatalf("expected size 2 after unset, got %d", tr.Size())
	}
}

func TestIteration(t *testing.T) {
	tr := New()
	for _, k := range []string{"b", "a", "c"} {
		tr.SetKV(k, "x")
	}
	var order []string
	for k, sub, ok := tr.First(); ok; k, sub, ok = tr.Next(k) {
		order = append(order, k)
		_ = sub
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// TestPackUnpackRoundTrip checks that pack(tree) then unpack yields a
// tree equal to the original.
func TestPackUnpackRoundTrip(t *testing.T) {
	tr := buildSample()
	data := Pack(tr)
	got, n, err := Unpack(data)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if n != len(data) {
		t.Fatalf("Unpack consumed %d of %d bytes", n, len(data))
	}
	if !Equal(tr, got) {
		t.Fatalf("round trip mismatch:\nwant %s\ngot  %s", tr, got)
	}
}

func TestWriteReadPathRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "tree.scr")
	tr := buildSample()
	if err := WritePath(path, tr); err != nil {
		t.Fatalf("WritePath: %v", err)
	}
	got, err := ReadPath(path)
	if err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	if !Equal(tr, got) {
		t.Fatalf("write/read mismatch:\nwant %s\ngot  %s", tr, got)
	}
}

func TestReadPathMissingIsEmpty(t *testing.T) {
	got, err := ReadPath(filepath.Join(t.TempDir(), "nope.scr"))
	if err != nil {
		t.Fatalf("ReadPath missing file: %v", err)
	}
	if got.Size() != 0 {
		t.Fatalf("expected empty tree for missing file, got size %d", got.Size())
	}
}

func TestWriteWithLockReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.scr")
	err := WriteWithLock(path, func(t *Tree) *Tree {
		t.SetKV("exit_reason", "time limit")
		return t
	})
	if err != nil {
		t.Fatalf("WriteWithLock: %v", err)
	}
	err = WriteWithLock(path, func(t *Tree) *Tree {
		t.SetKVInt("checkpoints_left", 3)
		return t
	})
	if err != nil {
		t.Fatalf("WriteWithLock second call: %v", err)
	}
	got, err := ReadWithLock(path)
	if err != nil {
		t.Fatalf("ReadWithLock: %v", err)
	}
	if v, ok := got.GetKV("exit_reason"); !ok || v != "time limit" {
		t.Fatalf("exit_reason lost across read-modify-write: %q %v", v, ok)
	}
	if v, ok := got.GetKVInt("checkpoints_left"); !ok || v != 3 {
		t.Fatalf("checkpoints_left = %d, %v", v, ok)
	}
}

func TestMergeIncomingAddsNewKeys(t *testing.T) {
	a := New()
	a.SetKV("x", "1")
	b := New()
	b.SetKV("y", "2")
	a.Merge(b)
	if v, ok := a.GetKV("x"); !ok || v != "1" {
		t.Fatalf("expected x preserved")
	}
	if v, ok := a.GetKV("y"); !ok || v != "2" {
		t.Fatalf("expected y merged in")
	}
}
