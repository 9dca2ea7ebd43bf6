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

// scr_halt_cntl lists, sets, and unsets values in a job's halt file.
// It's meant to run on the node where rank 0 runs, since the halt file
// is coordinated through the same advisory file lock rank 0 uses.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/launix-de/scr-go/internal/halt"
)

func main() {
	dir := flag.String("dir", "", "directory containing the halt file")
	list := flag.Bool("list", false, "print the current halt file contents")
	setCheckpoints := flag.Int("set-checkpoints", -1, "set checkpoints_left")
	setReason := flag.String("set-reason", "", "set an explicit halt reason")
	unsetReason := flag.Bool("unset-reason", false, "clear the halt reason")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "scr_halt_cntl: --dir is required")
		os.Exit(1)
	}
	path := filepath.Join(*dir, "halt.scr")

	if *setCheckpoints >= 0 {
		if err := halt.SetCheckpointsLeft(path, *setCheckpoints); err != nil {
			fmt.Fprintf(os.Stderr, "scr_halt_cntl: %v\n", err)
			os.Exit(1)
		}
	}
	if *setReason != "" {
		if err := halt.SetReason(path, *setReason); err != nil {
			fmt.Fprintf(os.Stderr, "scr_halt_cntl: %v\n", err)
			os.Exit(1)
		}
	}
	if *unsetReason {
		if err := halt.SetReason(path, ""); err != nil {
			fmt.Fprintf(os.Stderr, "scr_halt_cntl: %v\n", err)
			os.Exit(1)
		}
	}

	if *list || (*setCheckpoints < 0 && *setReason == "" && !*unsetReason) {
		s, err := halt.ReadState(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scr_halt_cntl: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("checkpoints_left: %d\n", s.CheckpointsLeft)
		fmt.Printf("reason:           %s\n", s.Reason)
	}
}
