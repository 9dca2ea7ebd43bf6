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

// Package statusws is an optional live progress channel: it upgrades
// HTTP connections to websockets and pushes JSON snapshots of an async
// flush/fetch's transfer progress at a fixed interval, for cmd/scrshell's
// watch mode or any other browser-side viewer. A job that never calls
// Serve still works identically; nothing else in this module depends
// on this package.
package statusws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Snapshot is one point-in-time progress reading for a rank.
type Snapshot struct {
	Rank      int     `json:"rank"`
	Host      string  `json:"host"`
	DatasetID int     `json:"dataset_id"`
	State     string  `json:"state"`
	Percent   float64 `json:"percent"`
	Bandwidth float64 `json:"bandwidth_mbs"`
}

// Source reports the current snapshot for every tracked rank. Callers
// provide one backed by whatever transfer/flush state they're watching;
// Broadcaster never looks inside a TransferFile itself.
type Source func() []Snapshot

// Broadcaster upgrades connections to websockets and, until the
// connection closes, writes a JSON snapshot array every interval.
type Broadcaster struct {
	Source   Source
	Interval time.Duration

	upgrader websocket.Upgrader
}

// New builds a Broadcaster that polls source every interval (minimum
// one second) and pushes the result to each connected client.
func New(source Source, interval time.Duration) *Broadcaster {
	if interval < time.Second {
		interval = time.Second
	}
	return &Broadcaster{
		Source:   source,
		Interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams snapshots until the peer
// closes the connection or a write fails.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// drain any client-sent control messages (pings, close frames) on
	// their own goroutine so WriteMessage below isn't starved by a
	// blocked ReadMessage.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			payload, err := json.Marshal(b.Source())
			if err != nil {
				return
			}
			writeMu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, payload)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
