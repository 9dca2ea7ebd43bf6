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

// scr_flush_file reports which of CACHE/PFS/FLUSHING/FAILED a dataset
// carries in a node's flush.scr, and whether the flush library still
// considers it in need of a flush.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/launix-de/scr-go/internal/flush"
)

func main() {
	dir := flag.String("dir", "", "control directory containing flush.scr")
	dataset := flag.Int("dataset", 0, "dataset id to report on")
	flag.Parse()

	if *dir == "" || *dataset <= 0 {
		fmt.Fprintln(os.Stderr, "usage: scr_flush_file --dir <dir> --dataset <id>")
		os.Exit(1)
	}

	ff := flush.Open(filepath.Join(*dir, "flush.scr"))
	markers := []string{flush.MarkerCache, flush.MarkerPFS, flush.MarkerFlushing, flush.MarkerFailed}
	for _, m := range markers {
		if ff.HasMarker(*dataset, m) {
			fmt.Println(m)
		}
	}
	fmt.Printf("need_flush: %v\n", ff.NeedFlush(*dataset))
}
