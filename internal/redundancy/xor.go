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

package redundancy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/treestore"
)

// XORCodec protects every rank in a set with a striped reduce-scatter
// parity scheme: each rank's data is divided into (setSize-1) stripes,
// and rank r's chunk is the XOR of one distinct stripe contributed by
// every other rank, assigned by stripeIndex so that every stripe of a
// failed rank's data has exactly one surviving owner. Each rank's
// stored parity chunk is therefore about 1/(setSize-1) of the largest
// rank's data, not a full per-rank copy.
type XORCodec struct {
	Desc *Descriptor
}

func concatenateFiles(fm *filemap.FileMap, datasetID, ownRank int) ([]byte, []string, error) {
	names := fm.ListFiles(datasetID, ownRank)
	var buf []byte
	for _, name := range names {
		m, _ := fm.GetFile(datasetID, ownRank, name)
		data, err := os.ReadFile(m.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("xor: read %s: %w", m.CachePath, err)
		}
		buf = append(buf, data...)
	}
	return buf, names, nil
}

func padTo(data []byte, size int64) []byte {
	out := make([]byte, size)
	copy(out, data)
	return out
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// stripeIndex returns which of the nStripes stripe slots of q's data
// contributes to r's chunk (r != q). For fixed r this is a bijection
// over q onto 0..nStripes-1, and for fixed q it is a bijection over r
// onto the same range -- the rotation that makes every stripe of any
// one failed rank's data recoverable from exactly one surviving rank's
// chunk plus every other survivor's matching stripe.
func stripeIndex(r, q, nStripes int) int {
	n := nStripes + 1
	d := (q - r) % n
	if d < 0 {
		d += n
	}
	return d - 1
}

func stripeSlice(padded []byte, idx int, chunkSize int64) []byte {
	start := int64(idx) * chunkSize
	return padded[start : start+chunkSize]
}

// Encode computes ownRank's parity chunk for datasetID and writes it to
// chunkPath, with a tree-store header describing the set, the world
// ranks behind it, this rank's own meta records, and (if a left
// neighbor exists) the left neighbor's meta records -- the latter is
// what lets Rebuild recover a failed rank's meta without that rank's
// own files ever having been readable.
func (xc *XORCodec) Encode(fm *filemap.FileMap, datasetID, ownRank, groupID int, chunkPath string) error {
	d := xc.Desc
	setSize := d.Grp.Size()
	if setSize < 2 {
		return fmt.Errorf("xor: set size must be >= 2, got %d", setSize)
	}
	nStripes := setSize - 1
	myRank := d.GroupRank

	data, names, err := concatenateFiles(fm, datasetID, ownRank)
	if err != nil {
		return err
	}

	maxLen := d.Grp.AllReduceInt(group.OpMax, int64(len(data)))
	chunkSize := ceilDiv(maxLen, int64(nStripes))
	if chunkSize < 1 {
		chunkSize = 1
	}
	padded := padTo(data, chunkSize*int64(nStripes))

	chunk := make([]byte, chunkSize)
	for q := 0; q < setSize; q++ {
		if q == myRank {
			continue
		}
		mySend := stripeSlice(padded, stripeIndex(q, myRank, nStripes), chunkSize)
		recv := d.Grp.SendRecv(mySend, q, q)
		chunk = xorBuf(chunk, padTo(recv, chunkSize))
	}

	if err := os.WriteFile(chunkPath+".data", chunk, 0640); err != nil {
		return fmt.Errorf("xor: write chunk data: %w", err)
	}

	ownFiles := treestore.New()
	for _, name := range names {
		m, _ := fm.GetFile(datasetID, ownRank, name)
		ownFiles.Set(name, m.ToTree())
	}

	var lhsFiles *treestore.Tree
	if d.LHSPeer >= 0 {
		wrap := treestore.New()
		wrap.Set("files", ownFiles)
		in := group.SendRecvTree(d.Grp, wrap, d.RHSPeer, d.LHSPeer)
		lhsFiles, _ = in.Get("files")
	}

	header := xorHeader(datasetID, groupID, d, chunkSize, setSize, ownRank, ownFiles, lhsFiles)
	return treestore.WritePath(chunkPath, header)
}

func xorBuf(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		var bb byte
		if i < len(b) {
			bb = b[i]
		}
		out[i] = a[i] ^ bb
	}
	return out
}

func xorHeader(datasetID, groupID int, d *Descriptor, chunkSize int64, setSize, ownRank int, ownFiles, lhsFiles *treestore.Tree) *treestore.Tree {
	h := treestore.New()
	h.SetKVInt("dataset", datasetID)
	h.SetKVInt("group", groupID)
	h.SetKVInt("chunksize", int(chunkSize))
	h.SetKVInt("setsize", setSize)
	h.SetKVInt("rank", d.GroupRank)
	h.SetKVInt("lhspeer", d.LHSPeer)
	h.SetKVInt("rhspeer", d.RHSPeer)

	if d.World != nil {
		ranks := h.Child("ranks")
		for i := 0; i < setSize; i++ {
			ranks.SetKVInt(strconv.Itoa(i), d.World.TranslateRank(d.Grp, i))
		}
	}

	h.Child("files").SetInt(ownRank, ownFiles)
	if lhsFiles != nil && d.LHSPeer >= 0 {
		h.Child("lhsfiles").SetInt(d.LHSPeer, lhsFiles)
	}
	return h
}

// Rebuild reconstructs failedGroupRank's original data. Every surviving
// rank is the unique owner of exactly one stripe of the failed rank's
// data (stripeIndex's bijection): it recovers that stripe by XORing its
// own stored chunk with the matching stripe re-read from every other
// surviving rank's own cache files, then ships the recovered stripe
// (plus the failed rank's meta records, if this rank happened to be its
// right neighbor and so holds them from Encode) to the failed rank,
// which assembles the stripes back into outPath and the meta records
// into outPath+".meta" for ApplyRebuiltMeta.
func (xc *XORCodec) Rebuild(fm *filemap.FileMap, datasetID, failedGroupRank int, chunkPath, outPath string) error {
	d := xc.Desc
	myRank := d.GroupRank
	setSize := d.Grp.Size()
	nStripes := setSize - 1
	f := failedGroupRank

	if myRank == f {
		stripes := make([][]byte, nStripes)
		var chunkSize int64 = -1
		var recoveredMeta *treestore.Tree
		for q := 0; q < setSize; q++ {
			if q == f {
				continue
			}
			msg := group.RecvTree(d.Grp, q)
			k, _ := msg.GetKVInt("k")
			size, _ := msg.GetKVInt("size")
			data, _ := msg.GetKV("data")
			if chunkSize < 0 {
				chunkSize = int64(size)
			}
			stripes[k] = []byte(data)
			if m, ok := msg.Get("meta"); ok {
				recoveredMeta = m
			}
		}

		result := make([]byte, 0, chunkSize*int64(nStripes))
		for k := 0; k < nStripes; k++ {
			result = append(result, padTo(stripes[k], chunkSize)...)
		}
		if recoveredMeta != nil {
			total := 0
			recoveredMeta.Each(func(_ string, mt *treestore.Tree) {
				if sz, ok := mt.GetKVInt("size"); ok {
					total += sz
				}
			})
			if total > 0 && total < len(result) {
				result = result[:total]
			}
			if err := treestore.WritePath(outPath+".meta", recoveredMeta); err != nil {
				return fmt.Errorf("xor rebuild: write recovered meta: %w", err)
			}
		}
		return os.WriteFile(outPath, result, 0640)
	}

	header, err := treestore.ReadPath(chunkPath)
	if err != nil {
		return fmt.Errorf("xor rebuild: read chunk header: %w", err)
	}
	chunkSize, _ := header.GetKVInt("chunksize")

	myChunk, err := os.ReadFile(chunkPath + ".data")
	if err != nil {
		return fmt.Errorf("xor rebuild: missing local chunk: %w", err)
	}

	data, _, err := concatenateFiles(fm, datasetID, myRank)
	if err != nil {
		return err
	}
	padded := padTo(data, int64(chunkSize)*int64(nStripes))

	recovered := make([]byte, chunkSize)
	copy(recovered, myChunk)
	for q := 0; q < setSize; q++ {
		if q == myRank || q == f {
			continue
		}
		mySend := stripeSlice(padded, stripeIndex(q, myRank, nStripes), int64(chunkSize))
		recv := d.Grp.SendRecv(mySend, q, q)
		recovered = xorBuf(recovered, padTo(recv, int64(chunkSize)))
	}

	out := treestore.New()
	out.SetKVInt("k", stripeIndex(myRank, f, nStripes))
	out.SetKVInt("size", chunkSize)
	out.SetKV("data", string(recovered))
	if d.LHSPeer == f {
		if lhsFiles, ok := header.Child("lhsfiles").GetInt(f); ok {
			out.Set("meta", lhsFiles)
		}
	}
	group.SendTree(d.Grp, f, out)
	return nil
}

// ApplyRebuiltMeta restores the reconstructed rank's meta and filemap
// entries, once Rebuild has written the recovered meta records to
// metaPath (outPath+".meta" from Rebuild) and the caller has split the
// rebuilt blob at outPath back into per-file data under cacheDir.
func ApplyRebuiltMeta(fm *filemap.FileMap, metaPath string, rank, datasetID int, cacheDir string) error {
	filesTree, err := treestore.ReadPath(metaPath)
	if err != nil {
		return fmt.Errorf("xor: read recovered meta %s: %w", metaPath, err)
	}
	if filesTree.IsLeaf() {
		return fmt.Errorf("xor: no recorded files for rank %d", rank)
	}
	var outerr error
	filesTree.Each(func(name string, metaTree *treestore.Tree) {
		if outerr != nil {
			return
		}
		m := meta.FromTree(metaTree)
		m.CachePath = filepath.Join(cacheDir, name)
		m.SetComplete(true)
		if err := fm.AddFile(datasetID, rank, name, m); err != nil {
			outerr = err
		}
	})
	return outerr
}
