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

// scr_retries_halt checks a job's halt file and reports, via its exit
// code, whether a batch script should launch another run. Exit 0 means
// "don't halt, run again"; exit 1 means "halt file says stop".
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
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "scr_retries_halt: --dir is required")
		os.Exit(1)
	}

	s, err := halt.ReadState(filepath.Join(*dir, "halt.scr"))
	if err != nil {
		// no halt file yet means no halt has been requested
		fmt.Println("DONT_HALT")
		os.Exit(0)
	}

	if s.Reason != "" {
		fmt.Printf("NEED_HALT: %s\n", s.Reason)
		os.Exit(1)
	}
	if s.CheckpointsLeft == 0 {
		fmt.Println("NEED_HALT: checkpoints_left reached 0")
		os.Exit(1)
	}
	fmt.Println("DONT_HALT")
}
