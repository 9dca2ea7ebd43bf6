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

// Package treestore implements the ordered key/value tree that is the
// substrate for every persisted or exchanged SCR data structure: the
// filemap, the redundancy descriptor, the flush/index/summary/halt/transfer
// files all are trees of trees. A tree node has no "value" type of its
// own; a scalar is represented the same way the original C scr_hash does
// it: storing the string as a key of an otherwise-empty child tree.
package treestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/btree"
)

// item is the unit stored in the per-node btree: an ordered key paired
// with the subtree it leads to.
type item struct {
	key string
	sub *Tree
}

func lessItem(a, b item) bool { return a.key < b.key }

// Tree is a recursive ordered mapping from string keys to subtrees.
type Tree struct {
	children *btree.BTreeG[item]
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{children: btree.NewG(32, lessItem)}
}

// Size returns the number of direct child keys.
func (t *Tree) Size() int {
	if t == nil || t.children == nil {
		return 0
	}
	return t.children.Len()
}

// IsLeaf reports whether this node has no children.
func (t *Tree) IsLeaf() bool { return t.Size() == 0 }

// Get returns the subtree stored under key.
func (t *Tree) Get(key string) (*Tree, bool) {
	if t == nil || t.children == nil {
		return nil, false
	}
	found, ok := t.children.Get(item{key: key})
	if !ok {
		return nil, false
	}
	return found.sub, true
}

// GetInt is Get with an integer-formatted key.
func (t *Tree) GetInt(key int) (*Tree, bool) {
	return t.Get(strconv.Itoa(key))
}

// Set stores (or replaces) the subtree under key and returns it, mirroring
// scr_hash_set's habit of returning the subtree for chaining.
func (t *Tree) Set(key string, sub *Tree) *Tree {
	if sub == nil {
		sub = New()
	}
	t.children.ReplaceOrInsert(item{key: key, sub: sub})
	return sub
}

// SetInt is Set with an integer-formatted key.
func (t *Tree) SetInt(key int, sub *Tree) *Tree {
	return t.Set(strconv.Itoa(key), sub)
}

// Child gets-or-creates the subtree stored under key.
func (t *Tree) Child(key string) *Tree {
	if sub, ok := t.Get(key); ok {
		return sub
	}
	return t.Set(key, New())
}

// ChildInt is Child with an integer-formatted key.
func (t *Tree) ChildInt(key int) *Tree {
	return t.Child(strconv.Itoa(key))
}

// Unset removes key (and its entire subtree) from t.
func (t *Tree) Unset(key string) {
	if t == nil || t.children == nil {
		return
	}
	t.children.Delete(item{key: key})
}

// UnsetInt is Unset with an integer-formatted key.
func (t *Tree) UnsetInt(key int) {
	t.Unset(strconv.Itoa(key))
}

// SetKV stores a scalar value under key: key's subtree becomes a fresh
// single-child tree whose one child key is val with an empty subtree.
// This is the scr_hash_set_kv convention: values live as keys one level
// down, not as a distinct "value" field.
func (t *Tree) SetKV(key, val string) *Tree {
	leaf := New()
	leaf.Set(val, New())
	return t.Set(key, leaf)
}

// SetKVInt is SetKV with an integer-formatted value.
func (t *Tree) SetKVInt(key string, val int) *Tree {
	return t.SetKV(key, strconv.Itoa(val))
}

// GetKV returns the scalar value stored under key, if key's subtree has
// exactly the single-value shape produced by SetKV (or at least one child;
// the first one in key order is returned).
func (t *Tree) GetKV(key string) (string, bool) {
	sub, ok := t.Get(key)
	if !ok {
		return "", false
	}
	k, _, ok := sub.First()
	return k, ok
}

// GetKVInt is GetKV parsing the value as an int.
func (t *Tree) GetKVInt(key string) (int, bool) {
	s, ok := t.GetKV(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// UnsetKV removes val from key's subtree, and if that empties it, removes
// key entirely.
func (t *Tree) UnsetKV(key, val string) {
	sub, ok := t.Get(key)
	if !ok {
		return
	}
	sub.Unset(val)
	if sub.Size() == 0 {
		t.Unset(key)
	}
}

// First returns the lowest-ordered (key, subtree) pair.
func (t *Tree) First() (key string, sub *Tree, ok bool) {
	if t == nil || t.children == nil || t.children.Len() == 0 {
		return "", nil, false
	}
	it, found := t.children.Min()
	if !found {
		return "", nil, false
	}
	return it.key, it.sub, true
}

// Next returns the next (key, subtree) pair strictly after after.
func (t *Tree) Next(after string) (key string, sub *Tree, ok bool) {
	if t == nil || t.children == nil {
		return "", nil, false
	}
	var result item
	found := false
	t.children.AscendGreaterOrEqual(item{key: after + "\x00"}, func(it item) bool {
		result = it
		found = true
		return false
	})
	if !found {
		return "", nil, false
	}
	return result.key, result.sub, true
}

// Keys returns all direct child keys in ascending order.
func (t *Tree) Keys() []string {
	if t == nil || t.children == nil {
		return nil
	}
	out := make([]string, 0, t.children.Len())
	t.children.Ascend(func(it item) bool {
		out = append(out, it.key)
		return true
	})
	return out
}

// Each calls fn for every (key, subtree) pair in ascending key order.
func (t *Tree) Each(fn func(key string, sub *Tree)) {
	if t == nil || t.children == nil {
		return
	}
	t.children.Ascend(func(it item) bool {
		fn(it.key, it.sub)
		return true
	})
}

// Merge unions other into t: every key of other is merged into the same
// key of t; if both sides have a subtree under the same key, the subtrees
// are merged recursively. Leaf collisions (a key present as a bare value
// key on both sides) have no effect since a leaf has no further children
// to merge. This is the generic tree-store merge; the filemap layer
// builds its "incoming wins" duplicate policy on top of this (see
// internal/filemap).
func (t *Tree) Merge(other *Tree) {
	if t == nil || other == nil {
		return
	}
	other.Each(func(key string, osub *Tree) {
		if existing, ok := t.Get(key); ok {
			existing.Merge(osub)
		} else {
			t.Set(key, osub.Clone())
		}
	})
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	out := New()
	if t == nil {
		return out
	}
	t.Each(func(key string, sub *Tree) {
		out.Set(key, sub.Clone())
	})
	return out
}

// Equal reports whether a and b have the same keys and, recursively, the
// same subtrees. Key order is not significant for equality (btree
// iteration order is canonical ascending regardless), matching the
// "pack/unpack is a bijection modulo key order" invariant.
func Equal(a, b *Tree) bool {
	if a.Size() != b.Size() {
		return false
	}
	eq := true
	a.Each(func(key string, asub *Tree) {
		if !eq {
			return
		}
		bsub, ok := b.Get(key)
		if !ok || !Equal(asub, bsub) {
			eq = false
		}
	})
	return eq
}

// String renders the tree for debugging, one "key = value" or nested
// bracketed group per line.
func (t *Tree) String() string {
	var b strings.Builder
	t.render(&b, 0)
	return b.String()
}

func (t *Tree) render(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	t.Each(func(key string, sub *Tree) {
		if sub.IsLeaf() {
			fmt.Fprintf(b, "%s%s\n", indent, key)
			return
		}
		if k, v, ok := sub.First(); ok && sub.Size() == 1 {
			if vv, ok2 := v.First(); !ok2 {
				_ = vv
				fmt.Fprintf(b, "%s%s = %s\n", indent, key, k)
				return
			}
		}
		fmt.Fprintf(b, "%s%s:\n", indent, key)
		sub.render(b, depth+1)
	})
}
