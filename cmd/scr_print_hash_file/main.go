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

// scr_print_hash_file pretty-prints any treestore-backed file -- the
// halt, flush, filemap, and transfer files all use the same on-disk
// format, so one dumb printer covers all of them.
package main

import (
	"fmt"
	"os"

	"github.com/launix-de/scr-go/internal/treestore"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: scr_print_hash_file <file>")
		os.Exit(1)
	}
	t, err := treestore.ReadPath(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scr_print_hash_file: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(t.String())
}
