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
	"bytes"
	"encoding/binary"
	"fmt"
)

// Pack serializes t into a flat byte buffer. Format, recursively:
//
//	uint32 childCount
//	childCount * { uint32 keyLen, keyLen bytes of key, packed subtree }
func Pack(t *Tree) []byte {
	var buf bytes.Buffer
	writeTree(&buf, t)
	return buf.Bytes()
}

func writeTree(buf *bytes.Buffer, t *Tree) {
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(t.Size()))
	buf.Write(countBuf[:])
	t.Each(func(key string, sub *Tree) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
		buf.Write(lenBuf[:])
		buf.WriteString(key)
		writeTree(buf, sub)
	})
}

// Unpack deserializes a tree previously produced by Pack. Returns the
// tree and the number of bytes consumed.
func Unpack(data []byte) (*Tree, int, error) {
	t, n, err := readTree(data)
	if err != nil {
		return nil, 0, err
	}
	return t, n, nil
}

func readTree(data []byte) (*Tree, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("treestore: truncated child count")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	pos := 4
	t := New()
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(data) {
			return nil, 0, fmt.Errorf("treestore: truncated key length")
		}
		klen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if klen < 0 || pos+klen > len(data) {
			return nil, 0, fmt.Errorf("treestore: truncated key")
		}
		key := string(data[pos : pos+klen])
		pos += klen
		sub, n, err := readTree(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		t.Set(key, sub)
	}
	return t, pos, nil
}
