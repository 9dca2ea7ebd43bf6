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

// Package redundancy builds and applies the per-dataset redundancy
// descriptor: which scheme protects a dataset, the sub-group that
// scheme runs over, and the encode/rebuild codecs (Partner, XOR) that
// use it.
package redundancy

import (
	"os"

	"github.com/launix-de/scr-go/internal/group"
)

// Scheme selects the redundancy codec a descriptor drives.
type Scheme int

const (
	SchemeLocal Scheme = iota
	SchemePartner
	SchemeXOR
)

func (s Scheme) String() string {
	switch s {
	case SchemePartner:
		return "PARTNER"
	case SchemeXOR:
		return "XOR"
	default:
		return "LOCAL"
	}
}

// Config is the user-facing knob set create_from_config fills a
// Descriptor from -- one entry per configured redundancy level.
type Config struct {
	Scheme   Scheme
	Interval int // applies to dataset ids that divide evenly by this
	Base     string
	Hop      int // set_size's multiplier when splitting the level group
	SetSize  int
}

// Descriptor is a built, group-attached redundancy scheme ready to
// encode or rebuild a dataset.
type Descriptor struct {
	Scheme   Scheme
	Interval int
	Base     string
	Hop      int
	SetSize  int
	Enabled  bool

	// Grp is the sub-group this scheme's codec runs over: a singleton
	// for LOCAL, the level group for PARTNER, or an XOR set for XOR.
	Grp group.Group

	// World is the job's top-level group, kept around so the XOR codec
	// can translate Grp's local member ranks into world ranks for its
	// chunk header's ranks list.
	World group.Group

	GroupID   int
	GroupRank int

	LHSPeer int // rank of the left neighbor within Grp, or -1
	RHSPeer int // rank of the right neighbor within Grp, or -1
}

// CreateFromConfig builds a Descriptor by splitting levelGroup (the
// set of ranks sharing the same node-local rank across nodes)
// according to cfg.Scheme, then disabling the result if it turns out
// two neighbors in the resulting group actually share a host -- in
// which case the redundancy scheme can provide no real protection.
func CreateFromConfig(cfg Config, world, levelGroup group.Group) (*Descriptor, error) {
	return createFromConfig(cfg, world, levelGroup, os.Hostname)
}

// createFromConfig takes the hostname lookup as a parameter so tests can
// give each simulated rank its own fixed hostname without a shared,
// concurrently-mutated package variable (every real rank is a separate
// OS process with its own os.Hostname, so production code never needs
// this seam).
func createFromConfig(cfg Config, world, levelGroup group.Group, hostname func() (string, error)) (*Descriptor, error) {
	d := &Descriptor{
		Scheme:   cfg.Scheme,
		Interval: cfg.Interval,
		Base:     cfg.Base,
		Hop:      cfg.Hop,
		SetSize:  cfg.SetSize,
		Enabled:  true,
		World:    world,
	}

	switch cfg.Scheme {
	case SchemeLocal:
		d.Grp = levelGroup.Split(levelGroup.Rank(), 0)
		d.LHSPeer, d.RHSPeer = -1, -1
	case SchemePartner:
		d.Grp = levelGroup.Split(0, levelGroup.Rank())
		d.LHSPeer, d.RHSPeer = neighbors(d.Grp)
	case SchemeXOR:
		relRank := levelGroup.Rank() / d.Hop
		splitID := (relRank/d.SetSize)*d.Hop + (relRank % d.Hop)
		d.Grp = levelGroup.Split(splitID, levelGroup.Rank())
		d.LHSPeer, d.RHSPeer = neighbors(d.Grp)
	}

	d.GroupRank = d.Grp.Rank()

	// A PARTNER/XOR group that ends up a singleton -- ranks_local ==
	// ranks_world, so every level-group split collapses to one member
	// -- has no peer to mirror or XOR against; report it as LOCAL so
	// anything inspecting Scheme (encode dispatch, scr_print_hash_file)
	// sees what it actually does instead of an inert PARTNER/XOR.
	if d.Scheme != SchemeLocal && d.Grp.Size() <= 1 {
		d.Scheme = SchemeLocal
	}

	if d.Scheme != SchemeLocal {
		if err := disableOnHostCollision(d, hostname); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// neighbors returns the hop-distance-1 left and right ranks within g,
// wrapping around, or (-1,-1) for a singleton group.
func neighbors(g group.Group) (lhs, rhs int) {
	n := g.Size()
	if n <= 1 {
		return -1, -1
	}
	r := g.Rank()
	return (r - 1 + n) % n, (r + 1) % n
}

func disableOnHostCollision(d *Descriptor, hostname func() (string, error)) error {
	host, err := hostname()
	if err != nil {
		return err
	}

	collide := false
	if d.LHSPeer >= 0 {
		lhsHost := d.Grp.SendRecv([]byte(host), d.RHSPeer, d.LHSPeer)
		if string(lhsHost) == host {
			collide = true
		}
	}
	if d.RHSPeer >= 0 {
		rhsHost := d.Grp.SendRecv([]byte(host), d.LHSPeer, d.RHSPeer)
		if string(rhsHost) == host {
			collide = true
		}
	}

	myEnabled := int64(1)
	if collide {
		myEnabled = 0
	}
	allEnabled := d.Grp.AllReduceInt(group.OpLogicalAnd, myEnabled)
	d.Enabled = allEnabled != 0
	return nil
}

// GetForDataset returns the enabled descriptor with the largest
// Interval that divides datasetID evenly -- the mechanism that lets a
// job mix a cheap scheme at every step with an expensive one every Nth.
func GetForDataset(datasetID int, descs []*Descriptor) *Descriptor {
	var best *Descriptor
	for _, d := range descs {
		if !d.Enabled || d.Interval <= 0 {
			continue
		}
		if datasetID%d.Interval != 0 {
			continue
		}
		if best == nil || d.Interval > best.Interval {
			best = d
		}
	}
	return best
}
