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

// Package halt implements the checkpoint-interval decision
// (need_checkpoint) and the halt-file read-modify-write protocol
// (check_halt_and_decrement) that together decide when a job should
// take another checkpoint and when it must stop taking them.
package halt

import (
	"time"

	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/treestore"
)

// IntervalPolicy holds the tunables need_checkpoint weighs.
type IntervalPolicy struct {
	Interval          int           // checkpoint every Interval-th opportunity, 0 disables
	CheckpointSeconds time.Duration // force a checkpoint if this long has elapsed, 0 disables
	MaxOverhead       float64       // force a checkpoint to keep overhead ratio under this, 0 disables
}

// NeedCheckpointInput is the state need_checkpoint reasons over.
type NeedCheckpointInput struct {
	NeedCount       int
	SecondsSinceEnd time.Duration
	AvgCheckpointCost time.Duration
}

// NeedCheckpoint decides locally on rank 0 and broadcasts the verdict to
// every other rank over g, so every rank returns the identical answer
// without each one racing its own clock independently.
func NeedCheckpoint(g group.Group, p IntervalPolicy, in NeedCheckpointInput) bool {
	var decision bool
	if g.Rank() == 0 {
		decision = needCheckpointLocal(p, in)
	}
	v := int64(0)
	if decision {
		v = 1
	}
	// AllReduceInt with LAND from every rank would require every rank to
	// already agree; instead rank 0's answer travels via Bcast of a
	// single byte, the simplest "one decides, all receive" primitive
	// that Group exposes.
	buf := []byte{0}
	if g.Rank() == 0 {
		buf[0] = byte(v)
	}
	got := g.Bcast(0, buf)
	return got[0] != 0
}

func needCheckpointLocal(p IntervalPolicy, in NeedCheckpointInput) bool {
	if p.Interval > 0 && in.NeedCount%p.Interval == 0 {
		return true
	}
	if p.CheckpointSeconds > 0 && in.SecondsSinceEnd >= p.CheckpointSeconds {
		return true
	}
	if p.MaxOverhead > 0 {
		denom := in.SecondsSinceEnd + in.AvgCheckpointCost
		if denom > 0 {
			overhead := float64(in.AvgCheckpointCost) / float64(denom)
			if overhead < p.MaxOverhead {
				return true
			}
		}
	}
	return false
}

// Config mirrors the halt file's configured thresholds: any field left
// at zero is treated as "not configured" for that trigger.
type Config struct {
	ExitBefore  time.Time
	ExitAfter   time.Time
	HaltSeconds time.Duration
}

// State is the halt file's read-modify-write payload.
type State struct {
	Reason          string
	CheckpointsLeft int // -1 means unlimited
}

const (
	kReason = "reason"
	kLeft   = "checkpoints_left"
)

func stateFromTree(t *treestore.Tree) State {
	s := State{CheckpointsLeft: -1}
	s.Reason, _ = t.GetKV(kReason)
	if n, ok := t.GetKVInt(kLeft); ok {
		s.CheckpointsLeft = n
	}
	return s
}

func (s State) toTree() *treestore.Tree {
	t := treestore.New()
	if s.Reason != "" {
		t.SetKV(kReason, s.Reason)
	}
	if s.CheckpointsLeft >= 0 {
		t.SetKVInt(kLeft, s.CheckpointsLeft)
	}
	return t
}

// RemainingSecondsOracle estimates how much wall-clock time is left in
// the job's allocation; production wiring reads this from the batch
// scheduler (e.g. via an squeue/qstat call), tests and standalone runs
// can return a fixed or infinite value.
type RemainingSecondsOracle func() (time.Duration, bool)

// CheckHaltAndDecrement performs the halt file's read-modify-write:
// loads the current state under lock, optionally decrements
// checkpoints_left (when decrement is true and a limit is set), writes
// the result back, and reports whether the job must halt now along with
// the (possibly updated) state and the reason it halted.
func CheckHaltAndDecrement(path string, cfg Config, remaining RemainingSecondsOracle, decrement bool, now time.Time) (halt bool, reason string, out State, err error) {
	err = treestore.WriteWithLock(path, func(t *treestore.Tree) *treestore.Tree {
		s := stateFromTree(t)
		if decrement && s.CheckpointsLeft > 0 {
			s.CheckpointsLeft--
		}
		halt, reason = evaluate(cfg, s, remaining, now)
		out = s
		return s.toTree()
	})
	return halt, reason, out, err
}

func evaluate(cfg Config, s State, remaining RemainingSecondsOracle, now time.Time) (bool, string) {
	if s.Reason != "" {
		return true, s.Reason
	}
	if s.CheckpointsLeft == 0 {
		return true, "checkpoints_left reached 0"
	}
	if remaining != nil {
		if left, ok := remaining(); ok && cfg.HaltSeconds > 0 && left <= cfg.HaltSeconds {
			return true, "remaining allocation time at or below halt_seconds"
		}
	}
	if !cfg.ExitBefore.IsZero() && cfg.HaltSeconds > 0 && !now.Before(cfg.ExitBefore.Add(-cfg.HaltSeconds)) {
		return true, "within halt_seconds of exit_before"
	}
	if !cfg.ExitAfter.IsZero() && !now.Before(cfg.ExitAfter) {
		return true, "past exit_after"
	}
	return false, ""
}

// ReadState reads the halt file's current state without mutating it.
func ReadState(path string) (State, error) {
	t, err := treestore.ReadWithLock(path)
	if err != nil {
		return State{}, err
	}
	return stateFromTree(t), nil
}

// SetReason writes an explicit halt reason into the halt file, the
// write side of `scr_halt_cntl --set-reason`.
func SetReason(path, reason string) error {
	return treestore.WriteWithLock(path, func(t *treestore.Tree) *treestore.Tree {
		s := stateFromTree(t)
		s.Reason = reason
		return s.toTree()
	})
}

// SetCheckpointsLeft writes an explicit checkpoints_left value, the
// write side of `scr_halt_cntl --set-checkpoints`.
func SetCheckpointsLeft(path string, n int) error {
	return treestore.WriteWithLock(path, func(t *treestore.Tree) *treestore.Tree {
		s := stateFromTree(t)
		s.CheckpointsLeft = n
		return s.toTree()
	})
}
