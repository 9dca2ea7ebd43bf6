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
	"path/filepath"

	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/meta"
)

// EncodeDataset dispatches to the codec desc.Scheme selects, the single
// entry point both complete_checkpoint (§4.12) and fetch (§4.10) call
// once a dataset's files are in place and need protecting (or
// re-protecting, after a restore) against the next single-node failure.
// A disabled or LOCAL descriptor is a no-op.
func EncodeDataset(desc *Descriptor, fm *filemap.FileMap, datasetID, ownRank int, cacheDir string) error {
	if desc == nil || !desc.Enabled {
		return nil
	}
	switch desc.Scheme {
	case SchemePartner:
		partnerFm := filemap.New()
		partnerDir := filepath.Join(cacheDir, "partner")
		pc := &PartnerCodec{Desc: desc, CRCOnCopy: true}
		if err := pc.Encode(fm, partnerFm, datasetID, ownRank, partnerDir); err != nil {
			return err
		}
		return fm.Merge(partnerFm)
	case SchemeXOR:
		datasetDir := filepath.Join(cacheDir, fmt.Sprintf("checkpoint.%d", datasetID))
		chunkPath := filepath.Join(datasetDir, meta.ChunkFileName(desc.GroupRank, desc.SetSize, desc.GroupID))
		xc := &XORCodec{Desc: desc}
		return xc.Encode(fm, datasetID, ownRank, desc.GroupID, chunkPath)
	default:
		return nil
	}
}
