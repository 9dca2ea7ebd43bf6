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

// scrshell is a small interactive REPL for poking at a job's control
// directory without memorizing every scr_* tool's flags: status prints
// the halt/flush/nodes files for a directory, watch opens a
// statusws.Broadcaster's websocket and streams progress snapshots.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"golang.org/x/text/width"

	"github.com/launix-de/scr-go/internal/halt"
	"github.com/launix-de/scr-go/internal/treestore"
)

const prompt = "\033[32mscr>\033[0m "

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       ".scrshell-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Println("scrshell -- type 'help' for commands")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			printHelp()
		case "exit", "quit":
			return
		case "status":
			if len(fields) != 2 {
				fmt.Println("usage: status <control-dir>")
				continue
			}
			printStatus(fields[1])
		case "watch":
			if len(fields) != 2 {
				fmt.Println("usage: watch <ws-url>")
				continue
			}
			watch(fields[1])
		default:
			fmt.Printf("unknown command %q, type 'help'\n", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  status <control-dir>   print halt/flush/nodes file contents
  watch <ws-url>         stream progress snapshots from a statusws endpoint
  help                   this message
  exit, quit              leave the shell`)
}

func printStatus(dir string) {
	rows := [][2]string{}

	if s, err := halt.ReadState(filepath.Join(dir, "halt.scr")); err == nil {
		rows = append(rows, [2]string{"halt.reason", s.Reason})
		rows = append(rows, [2]string{"halt.checkpoints_left", fmt.Sprint(s.CheckpointsLeft)})
	}
	if t, err := treestore.ReadPath(filepath.Join(dir, "nodes.scr")); err == nil {
		if n, ok := t.GetKVInt("nodes"); ok {
			rows = append(rows, [2]string{"nodes", fmt.Sprint(n)})
		}
	}
	if t, err := treestore.ReadPath(filepath.Join(dir, "flush.scr")); err == nil {
		for _, datasetID := range t.Keys() {
			ds, _ := t.Get(datasetID)
			rows = append(rows, [2]string{"flush." + datasetID, strings.Join(ds.Keys(), ",")})
		}
	}

	printTable(rows)
}

// printTable right-pads the key column to the widest (narrow-width
// normalized) key so values line up even when a key mixes full- and
// half-width runes.
func printTable(rows [][2]string) {
	maxW := 0
	for _, r := range rows {
		if w := len(width.String(r[0])); w > maxW {
			maxW = w
		}
	}
	for _, r := range rows {
		pad := maxW - len(width.String(r[0]))
		fmt.Printf("%s%s  %s\n", r[0], strings.Repeat(" ", pad), r[1])
	}
}

func watch(url string) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Println("watch:", err)
		return
	}
	defer conn.Close()
	fmt.Println("watching, Ctrl-C to stop")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			fmt.Println("watch: connection closed:", err)
			return
		}
		var snapshots []map[string]any
		if err := json.Unmarshal(msg, &snapshots); err != nil {
			fmt.Println(string(msg))
			continue
		}
		for _, s := range snapshots {
			fmt.Printf("rank=%v host=%v dataset=%v state=%v percent=%v%% bw=%vMB/s\n",
				s["rank"], s["host"], s["dataset_id"], s["state"], s["percent"], s["bandwidth_mbs"])
		}
	}
}
