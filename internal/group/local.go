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

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
)

// mailboxBuffer is the per-pair channel depth. SCR's own traffic
// patterns are all matched sends/receives (sendrecv, or an isend
// immediately followed by a matching irecv+waitall), so a small buffer
// is only there to absorb the occasional out-of-lockstep rank; it is
// not a substitute for correct pairing.
const mailboxBuffer = 8

// hub is the shared state backing one Local communicator: a mailbox
// grid for point-to-point traffic plus one rendezvous per collective
// kind. worldOf maps a local rank to its rank in the ultimate root hub,
// so TranslateRank works across arbitrarily nested Split calls.
type hub struct {
	n       int
	mailbox [][]chan []byte
	worldOf []int

	barrierR *rendezvous
	bcastR   *rendezvous
	reduceR  *rendezvous
	splitR   *rendezvous

	children sync.Map // key "gen:color" -> *hub
}

func newHub(worldOf []int) *hub {
	n := len(worldOf)
	mb := make([][]chan []byte, n)
	for i := range mb {
		mb[i] = make([]chan []byte, n)
		for j := range mb[i] {
			mb[i][j] = make(chan []byte, mailboxBuffer)
		}
	}
	return &hub{
		n:        n,
		mailbox:  mb,
		worldOf:  worldOf,
		barrierR: newRendezvous(n),
		bcastR:   newRendezvous(n),
		reduceR:  newRendezvous(n),
		splitR:   newRendezvous(n),
	}
}

// Local is an in-process reference implementation of Group: every
// "rank" is a goroutine, every collective is a rendezvous (see
// rendezvous.go), and every point-to-point exchange is a buffered
// channel. It is meant for tests and single-node demos, not for driving
// an actual multi-node job -- a deployment wires a real MPI-backed
// Group implementation behind the same interface instead.
type Local struct {
	h    *hub
	rank int
}

// NewWorld creates n ranks of a fresh top-level group, returned as one
// Group handle per rank in rank order.
func NewWorld(n int) []Group {
	worldOf := make([]int, n)
	for i := range worldOf {
		worldOf[i] = i
	}
	h := newHub(worldOf)
	out := make([]Group, n)
	for i := 0; i < n; i++ {
		out[i] = &Local{h: h, rank: i}
	}
	return out
}

func (g *Local) Rank() int { return g.rank }
func (g *Local) Size() int { return g.h.n }

func (g *Local) Barrier() {
	g.h.barrierR.enter(g.rank, nil)
}

func (g *Local) Bcast(root int, data []byte) []byte {
	var payload []byte
	if g.rank == root {
		payload = data
	}
	all, _ := g.h.bcastR.enter(g.rank, payload)
	return all[root]
}

func (g *Local) AllReduceInt(op ReduceOp, value int64) int64 {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	all, _ := g.h.reduceR.enter(g.rank, buf)

	result := decodeInt64(all[0])
	for i := 1; i < len(all); i++ {
		result = foldInt64(op, result, decodeInt64(all[i]))
	}
	return result
}

func decodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func foldInt64(op ReduceOp, a, b int64) int64 {
	switch op {
	case OpMax:
		if b > a {
			return b
		}
		return a
	case OpMin:
		if b < a {
			return b
		}
		return a
	case OpSum:
		return a + b
	case OpLogicalAnd:
		if a != 0 && b != 0 {
			return 1
		}
		return 0
	default:
		return a
	}
}

func (g *Local) Send(peer int, data []byte) {
	g.h.mailbox[g.rank][peer] <- data
}

func (g *Local) Recv(peer int) []byte {
	return <-g.h.mailbox[peer][g.rank]
}

func (g *Local) SendRecv(data []byte, sendPeer, recvPeer int) []byte {
	done := make(chan struct{})
	go func() {
		g.Send(sendPeer, data)
		close(done)
	}()
	result := g.Recv(recvPeer)
	<-done
	return result
}

type localRequest struct {
	wait func() []byte
}

func (r *localRequest) Wait() []byte { return r.wait() }

func (g *Local) ISend(peer int, data []byte) Request {
	done := make(chan struct{})
	go func() {
		g.h.mailbox[g.rank][peer] <- data
		close(done)
	}()
	return &localRequest{wait: func() []byte { <-done; return nil }}
}

func (g *Local) IRecv(peer int) Request {
	ch := make(chan []byte, 1)
	go func() {
		ch <- <-g.h.mailbox[peer][g.rank]
	}()
	return &localRequest{wait: func() []byte { return <-ch }}
}

// Split partitions the group by color. Every member of the parent group
// calls Split together (possibly with different colors), contributes
// (color, key) through splitR, and then independently recomputes the
// same sorted member list from the gathered result -- so every rank
// agrees on child membership without a second round trip. The actual
// child hub is built once per (round, color) via sync.Map.LoadOrStore;
// ranks that lose the race simply discard their own redundant copy.
func (g *Local) Split(color, key int) Group {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(color)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(key)))
	all, gen := g.h.splitR.enter(g.rank, buf)

	type cand struct {
		parentRank int
		key        int32
	}
	var members []cand
	for i, b := range all {
		c := int32(binary.LittleEndian.Uint32(b[0:4]))
		k := int32(binary.LittleEndian.Uint32(b[4:8]))
		if int(c) == color {
			members = append(members, cand{i, k})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].key != members[j].key {
			return members[i].key < members[j].key
		}
		return members[i].parentRank < members[j].parentRank
	})

	worldOf := make([]int, len(members))
	for i, m := range members {
		worldOf[i] = g.h.worldOf[m.parentRank]
	}

	mapKey := fmt.Sprintf("%d:%d", gen, color)
	built := newHub(worldOf)
	actual, _ := g.h.children.LoadOrStore(mapKey, built)
	childHub := actual.(*hub)

	myWorld := g.h.worldOf[g.rank]
	myRank := -1
	for i, wr := range childHub.worldOf {
		if wr == myWorld {
			myRank = i
			break
		}
	}
	return &Local{h: childHub, rank: myRank}
}

// Abort prints the message and panics the calling goroutine. A Local
// group is a single-process reference implementation with no separate
// ranks to actually kill; a production Group backed by real MPI wires
// this to MPI_Abort so every rank terminates together.
func (g *Local) Abort(code int, msg string) {
	fmt.Fprintf(os.Stderr, "scr: abort (code %d): %s\n", code, msg)
	panic(msg)
}

func (g *Local) TranslateRank(other Group, rank int) int {
	o, ok := other.(*Local)
	if !ok {
		return -1
	}
	if rank < 0 || rank >= len(o.h.worldOf) {
		return -1
	}
	worldRank := o.h.worldOf[rank]
	for i, wr := range g.h.worldOf {
		if wr == worldRank {
			return i
		}
	}
	return -1
}
