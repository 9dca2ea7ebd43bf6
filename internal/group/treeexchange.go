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

package group

import "github.com/launix-de/scr-go/internal/treestore"

// SendTree packs t and ships it to peer.
func SendTree(g Group, peer int, t *treestore.Tree) {
	g.Send(peer, treestore.Pack(t))
}

// RecvTree receives one packed tree from peer and unpacks it. A
// malformed payload (never produced by SendTree/SendRecvTree/BcastTree
// themselves) yields an empty tree rather than a panic, since a
// collaborator-level transport error is out of scope here.
func RecvTree(g Group, peer int) *treestore.Tree {
	return unpackOrEmpty(g.Recv(peer))
}

// SendRecvTree exchanges tree-store payloads with sendPeer/recvPeer in
// one rendezvous, mirroring Group.SendRecv.
func SendRecvTree(g Group, t *treestore.Tree, sendPeer, recvPeer int) *treestore.Tree {
	return unpackOrEmpty(g.SendRecv(treestore.Pack(t), sendPeer, recvPeer))
}

// BcastTree packs t (on root) and broadcasts it to every rank.
func BcastTree(g Group, root int, t *treestore.Tree) *treestore.Tree {
	var payload []byte
	if g.Rank() == root {
		payload = treestore.Pack(t)
	}
	return unpackOrEmpty(g.Bcast(root, payload))
}

func unpackOrEmpty(data []byte) *treestore.Tree {
	t, _, err := treestore.Unpack(data)
	if err != nil {
		return treestore.New()
	}
	return t
}
