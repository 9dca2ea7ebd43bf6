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

// scr_nodes_file reads the nodes file Init leaves behind and prints the
// number of nodes the previous run used, for a batch script to compare
// against the node count of the current allocation.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/launix-de/scr-go/internal/treestore"
)

func main() {
	dir := flag.String("dir", "", "control directory containing nodes.scr")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "scr_nodes_file: --dir is required")
		os.Exit(1)
	}

	t, err := treestore.ReadPath(filepath.Join(*dir, "nodes.scr"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scr_nodes_file: %v\n", err)
		os.Exit(1)
	}
	nodes, ok := t.GetKVInt("nodes")
	if !ok {
		fmt.Fprintln(os.Stderr, "scr_nodes_file: nodes.scr has no nodes key")
		os.Exit(1)
	}
	fmt.Println(nodes)
}
