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

import "sync"

// rendezvous is an n-way reusable all-gather: every one of n goroutines
// calls enter with its own payload; the call that completes the round
// (the n-th arrival) releases every caller with the full, rank-ordered
// set of payloads plus the round's generation number, and the round
// resets so the same rendezvous can serve the next collective call.
//
// This is the one synchronization primitive every collective (Barrier,
// Bcast, AllReduceInt, Split) in Local is built from -- the same
// "accumulate then release" shape as CacheManager's run loop in
// storage/cache.go, generalized from a single-writer op queue to an
// n-way barrier.
type rendezvous struct {
	mu       sync.Mutex
	cond     *sync.Cond
	n        int
	gen      int
	arrived  int
	payloads [][]byte
	released [][]byte
}

func newRendezvous(n int) *rendezvous {
	r := &rendezvous{n: n, payloads: make([][]byte, n)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// enter returns the full set of payloads (indexed by rank within this
// rendezvous) and the generation number of the round it took part in.
func (r *rendezvous) enter(rank int, payload []byte) ([][]byte, int) {
	r.mu.Lock()
	myGen := r.gen
	r.payloads[rank] = payload
	r.arrived++
	if r.arrived == r.n {
		result := r.payloads
		r.released = result
		r.payloads = make([][]byte, r.n)
		r.arrived = 0
		r.gen++
		r.cond.Broadcast()
		r.mu.Unlock()
		return result, myGen
	}
	for r.gen == myGen {
		r.cond.Wait()
	}
	result := r.released
	r.mu.Unlock()
	return result, myGen
}
