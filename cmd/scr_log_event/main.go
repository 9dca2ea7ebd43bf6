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

// scr_log_event inserts a single scr_log_event row into whatever SQL
// store SCR_LOG_DSN points at. A batch script calls this once per
// notable occurrence (job start, checkpoint, fetch, halt); it is not
// meant to be called at any real frequency.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/launix-de/scr-go/internal/logsql"
)

func main() {
	driver := flag.String("driver", os.Getenv("SCR_LOG_DRIVER"), "mysql or postgres")
	dsn := flag.String("dsn", os.Getenv("SCR_LOG_DSN"), "driver-specific connection string")
	jobName := flag.String("job-name", "", "job name")
	jobID := flag.String("job-id", "", "job id")
	username := flag.String("username", "", "username")
	eventType := flag.String("type", "", "event type, e.g. START, CHECKPOINT, FETCH, HALT")
	note := flag.String("note", "", "free-form event note")
	seconds := flag.Float64("seconds", 0, "seconds the event took, if applicable")
	flag.Parse()

	if *dsn == "" || *eventType == "" {
		fmt.Fprintln(os.Stderr, "usage: scr_log_event --driver {mysql|postgres} --dsn <dsn> --type <type> [--job-name ...] [--job-id ...] [--username ...] [--note ...] [--seconds N]")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sink logsql.Sink
	var err error
	switch *driver {
	case "postgres":
		sink, err = logsql.NewPostgresSink(ctx, *dsn)
	default:
		sink, err = logsql.NewMySQLSink(ctx, *dsn)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scr_log_event: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()

	err = sink.LogEvent(ctx, logsql.Event{
		JobName:   *jobName,
		JobID:     *jobID,
		Username:  *username,
		Type:      *eventType,
		Note:      *note,
		Timestamp: time.Now(),
		Seconds:   *seconds,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scr_log_event: %v\n", err)
		os.Exit(1)
	}
}
