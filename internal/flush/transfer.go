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

package flush

import (
	"strconv"

	"github.com/launix-de/scr-go/internal/treestore"
)

// Command is the directive the library posts to an external data-mover
// process through the transfer file.
type Command string

const (
	CommandRun  Command = "RUN"
	CommandStop Command = "STOP"
	CommandExit Command = "EXIT"
)

// State is what the mover reports back.
type State string

const (
	StateRunning  State = "RUNNING"
	StateStopped  State = "STOPPED"
	StateExiting  State = "EXITING"
	StateUnstated State = ""
)

// TransferEntry is one queued (source, destination) copy the mover is
// responsible for, with the running byte count it updates as it works.
type TransferEntry struct {
	Source      string
	Destination string
	Size        int64
	Written     int64
}

// TransferFile is the `<cntl>/transfer.scr` tree: a work list the
// library enqueues and a mover external to the library drains, both
// sides serialized through the same advisory file lock treestore uses
// for the halt file.
type TransferFile struct {
	path string
}

func OpenTransfer(path string) *TransferFile {
	return &TransferFile{path: path}
}

// Enqueue adds or updates entries and sets command=RUN, the shape every
// rank on a node calls under lock so their segments merge into one
// tree regardless of call order.
func (tf *TransferFile) Enqueue(entries []TransferEntry) error {
	return treestore.WriteWithLock(tf.path, func(t *treestore.Tree) *treestore.Tree {
		filesT := t.Child("files")
		for _, e := range entries {
			ft := filesT.Child(e.Source)
			ft.SetKV("destination", e.Destination)
			ft.SetKVInt("size", int(e.Size))
			ft.SetKVInt("written", int(e.Written))
		}
		t.SetKV("command", string(CommandRun))
		t.SetKV("state", string(StateRunning))
		return t
	})
}

// SetBandwidthPercent records the mover's advertised bw (MB/s) and
// percent-complete for a status query to surface.
func (tf *TransferFile) SetBandwidthPercent(bw, percent float64) error {
	return treestore.WriteWithLock(tf.path, func(t *treestore.Tree) *treestore.Tree {
		t.SetKV("bw", strconv.FormatFloat(bw, 'f', -1, 64))
		t.SetKV("percent", strconv.FormatFloat(percent, 'f', -1, 64))
		return t
	})
}

// SetCommand posts a new command for the mover to observe on its next
// poll.
func (tf *TransferFile) SetCommand(cmd Command) error {
	return treestore.WriteWithLock(tf.path, func(t *treestore.Tree) *treestore.Tree {
		t.SetKV("command", string(cmd))
		return t
	})
}

// State reads back what the mover last reported.
func (tf *TransferFile) State() (State, error) {
	t, err := treestore.ReadWithLock(tf.path)
	if err != nil {
		return StateUnstated, err
	}
	s, _ := t.GetKV("state")
	return State(s), nil
}

// BandwidthPercent reads back the mover's last advertised bw/percent.
func (tf *TransferFile) BandwidthPercent() (bw, percent float64, err error) {
	t, err := treestore.ReadWithLock(tf.path)
	if err != nil {
		return 0, 0, err
	}
	if s, ok := t.GetKV("bw"); ok {
		bw, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := t.GetKV("percent"); ok {
		percent, _ = strconv.ParseFloat(s, 64)
	}
	return bw, percent, nil
}

// MarkDone sets the flag.done leaf the C implementation also used to
// signal completion; written == size is authoritative over this flag
// when the two disagree (see Entries/AllWritten), but the flag is still
// kept for a mover that only knows how to set it.
func (tf *TransferFile) MarkDone() error {
	return treestore.WriteWithLock(tf.path, func(t *treestore.Tree) *treestore.Tree {
		t.Child("flag").SetKV("done", "1")
		return t
	})
}

// Entries returns every queued file's current transfer state.
func (tf *TransferFile) Entries() ([]TransferEntry, error) {
	t, err := treestore.ReadWithLock(tf.path)
	if err != nil {
		return nil, err
	}
	filesT, ok := t.Get("files")
	if !ok {
		return nil, nil
	}
	var out []TransferEntry
	for _, src := range filesT.Keys() {
		ft, _ := filesT.Get(src)
		e := TransferEntry{Source: src}
		e.Destination, _ = ft.GetKV("destination")
		if size, has := ft.GetKVInt("size"); has {
			e.Size = int64(size)
		}
		if written, has := ft.GetKVInt("written"); has {
			e.Written = int64(written)
		}
		out = append(out, e)
	}
	return out, nil
}

// AllWritten reports whether every queued entry has written == size --
// the authoritative completion predicate (see MarkDone's doc comment
// on flag.done vs. written==size).
func AllWritten(entries []TransferEntry) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if e.Written < e.Size {
			return false
		}
	}
	return true
}
