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
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/treestore"
)

// PartnerCodec mirrors a rank's dataset onto its right-hand neighbor,
// one file at a time, packing each (name, size, crc, bytes) tuple as a
// tree-store payload and exchanging it with SendRecvTree.
type PartnerCodec struct {
	Desc      *Descriptor
	CRCOnCopy bool
}

// Encode ships every file this rank owns for datasetID to RHSPeer and
// writes whatever LHSPeer ships back into partnerDir, recording each
// received file into partnerFm under its original owning rank.
func (pc *PartnerCodec) Encode(fm, partnerFm *filemap.FileMap, datasetID, ownRank int, partnerDir string) error {
	d := pc.Desc
	if d.LHSPeer < 0 || d.RHSPeer < 0 {
		return nil
	}

	names := fm.ListFiles(datasetID, ownRank)
	outCount := len(names)
	countOut := treestore.New()
	countOut.SetKVInt("n", outCount)
	inCountTree := group.SendRecvTree(d.Grp, countOut, d.RHSPeer, d.LHSPeer)
	inCount, _ := inCountTree.GetKVInt("n")

	max := outCount
	if inCount > max {
		max = inCount
	}

	for i := 0; i < max; i++ {
		out := treestore.New()
		if i < outCount {
			name := names[i]
			m, _ := fm.GetFile(datasetID, ownRank, name)
			data, err := os.ReadFile(m.CachePath)
			if err != nil {
				return fmt.Errorf("partner encode: read %s: %w", m.CachePath, err)
			}
			out.SetKV("name", name)
			out.SetKVInt("rank", ownRank)
			out.SetKVInt("size", len(data))
			out.SetKVInt("crc32", int(crc32.ChecksumIEEE(data)))
			out.SetKV("data", string(data))
		}

		in := group.SendRecvTree(d.Grp, out, d.RHSPeer, d.LHSPeer)
		name, ok := in.GetKV("name")
		if !ok || name == "" {
			continue
		}
		peerRank, _ := in.GetKVInt("rank")
		data := []byte(mustGetKV(in, "data"))
		wantCRC, _ := in.GetKVInt("crc32")

		destPath := filepath.Join(partnerDir, name)
		if err := os.WriteFile(destPath, data, 0640); err != nil {
			return fmt.Errorf("partner encode: write %s: %w", destPath, err)
		}

		m := meta.New(name, destPath, peerRank, datasetID)
		m.Size = int64(len(data))
		gotCRC := crc32.ChecksumIEEE(data)
		m.SetCRC32(gotCRC)
		if pc.CRCOnCopy && int(gotCRC) != wantCRC {
			m.SetComplete(false)
			if err := partnerFm.AddFile(datasetID, peerRank, name, m); err != nil {
				return err
			}
			return fmt.Errorf("partner encode: crc mismatch for %s", name)
		}
		m.SetComplete(true)
		if err := partnerFm.AddFile(datasetID, peerRank, name, m); err != nil {
			return err
		}
	}
	return nil
}

// Decode restores ownRank's own files (named in needed) from the
// mirrored copies RHSPeer holds -- RHSPeer's partnerDir mirrors
// ownRank's files the same way ownRank's partnerDir mirrors LHSPeer's
// (Encode's comment above). Every rank in the ring plays both roles in
// the same pass: while ownRank is waiting on its own restore, it also
// ships back whatever LHSPeer needs out of its own partnerDir, since
// LHSPeer is simultaneously doing its own Decode call and expects
// ownRank to serve it. A rank with nothing to restore still calls
// Decode with an empty needed so it can serve its LHSPeer's requests.
func (pc *PartnerCodec) Decode(fm, partnerFm *filemap.FileMap, partnerDir string, datasetID, ownRank int, needed []string, destDir string) error {
	d := pc.Desc
	if d.LHSPeer < 0 || d.RHSPeer < 0 {
		if len(needed) > 0 {
			return fmt.Errorf("partner decode: no partner group")
		}
		return nil
	}

	reqOut := treestore.New()
	reqOut.SetKVInt("n", len(needed))
	for i, name := range needed {
		reqOut.SetKV(strconv.Itoa(i), name)
	}
	reqIn := group.SendRecvTree(d.Grp, reqOut, d.RHSPeer, d.LHSPeer)
	theirCount, _ := reqIn.GetKVInt("n")
	theirNeeded := make([]string, theirCount)
	for i := range theirNeeded {
		theirNeeded[i], _ = reqIn.GetKV(strconv.Itoa(i))
	}

	max := len(needed)
	if len(theirNeeded) > max {
		max = len(theirNeeded)
	}

	for i := 0; i < max; i++ {
		out := treestore.New()
		if i < len(theirNeeded) {
			name := theirNeeded[i]
			srcPath := filepath.Join(partnerDir, name)
			data, err := os.ReadFile(srcPath)
			if err != nil {
				return fmt.Errorf("partner decode: missing mirrored copy of %s: %w", name, err)
			}
			out.SetKV("name", name)
			out.SetKVInt("size", len(data))
			out.SetKVInt("crc32", int(crc32.ChecksumIEEE(data)))
			out.SetKV("data", string(data))
		}

		// Send my mirror of a file LHSPeer needs back to LHSPeer;
		// receive RHSPeer's mirror of a file I need back.
		in := group.SendRecvTree(d.Grp, out, d.LHSPeer, d.RHSPeer)
		name, ok := in.GetKV("name")
		if !ok || name == "" {
			continue
		}
		data := []byte(mustGetKV(in, "data"))

		destPath := filepath.Join(destDir, name)
		if err := os.WriteFile(destPath, data, 0640); err != nil {
			return fmt.Errorf("partner decode: write %s: %w", destPath, err)
		}
		m := meta.New(name, destPath, ownRank, datasetID)
		m.Size = int64(len(data))
		m.SetCRC32(crc32.ChecksumIEEE(data))
		m.SetComplete(true)
		if err := fm.AddFile(datasetID, ownRank, name, m); err != nil {
			return err
		}
	}

	// Whatever I sent back to LHSPeer, LHSPeer now owns again: drop my
	// mirror copy and its filemap record.
	for _, name := range theirNeeded {
		os.Remove(filepath.Join(partnerDir, name))
		if partnerFm != nil {
			_ = partnerFm.RemoveFile(datasetID, d.LHSPeer, name)
		}
	}
	return nil
}

func mustGetKV(t *treestore.Tree, key string) string {
	v, _ := t.GetKV(key)
	return v
}
