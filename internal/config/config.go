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

// Package config is the CFG collaborator: reading the SCR_* environment
// variables and an optional key=value config file into a Config value.
// CFG's contract only specifies what each directive means, not how it
// is parsed, so this package is deliberately thin -- a reader, not a
// validator of every directive's downstream effect.
package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
)

// Config holds every documented SCR_* directive, plus
// SCR_CACHE_CHECK_CRC, which wires the CRC-on-delete behavior the
// cache layer leaves optional.
type Config struct {
	Enable bool
	Debug  int

	CntlBase  string
	CacheBase string
	CacheSize int // dataset count, not a byte quantity despite the name

	CopyType    string
	SetSize     int
	HopDistance int

	HaltSeconds int

	MPIBufSize  int64
	FileBufSize int64

	Distribute bool

	Fetch      bool
	FetchWidth int

	Flush          bool
	FlushWidth     int
	FlushOnRestart bool
	GlobalRestart  bool

	FlushAsync   bool
	FlushAsyncBW int64 // bytes/sec

	CRCOnCopy     bool
	CRCOnFlush    bool
	CacheCheckCRC bool

	CheckpointInterval int
	CheckpointSeconds  int
	CheckpointOverhead float64

	Prefix   string
	ConfFile string
	JobID    string
	JobName  string
	UserName string
}

// Defaults gives a Config usable without any SCR_* variable set at
// all.
func Defaults() Config {
	return Config{
		Enable:             true,
		CntlBase:           "/tmp/scr.cntl",
		CacheBase:          "/tmp/scr.cache",
		CacheSize:          2,
		CopyType:           "XOR",
		SetSize:            8,
		HopDistance:        1,
		HaltSeconds:        0,
		MPIBufSize:         1 << 20,
		FileBufSize:        1 << 20,
		Distribute:         true,
		Fetch:              true,
		FetchWidth:         16,
		Flush:              true,
		FlushWidth:         16,
		FlushOnRestart:     false,
		GlobalRestart:      false,
		FlushAsync:         false,
		FlushAsyncBW:       0,
		CRCOnCopy:          false,
		CRCOnFlush:         true,
		CacheCheckCRC:      false,
		CheckpointInterval: 1,
		CheckpointSeconds:  0,
		CheckpointOverhead: 0,
	}
}

// Loader reads a Config from a config file and environment variables.
// Getenv/Open are seams so tests exercise the parsing logic without
// touching the real process environment or filesystem, the same
// dependency-injection shape createFromConfig uses for os.Hostname.
type Loader struct {
	Getenv func(string) string
	Open   func(string) (io.ReadCloser, error)
}

// NewLoader returns a Loader wired to the real environment and
// filesystem.
func NewLoader() Loader {
	return Loader{
		Getenv: os.Getenv,
		Open:   func(path string) (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Load builds a Config starting from Defaults, applying SCR_CONF_FILE's
// key=value directives first and then every SCR_* environment variable
// actually set, so the environment always wins over the file.
func (l Loader) Load() (Config, error) {
	cfg := Defaults()

	cfg.ConfFile = l.Getenv("SCR_CONF_FILE")
	if cfg.ConfFile != "" {
		if err := l.applyConfFile(&cfg, cfg.ConfFile); err != nil {
			return cfg, err
		}
	}
	l.applyEnv(&cfg)
	return cfg, nil
}

func (l Loader) applyConfFile(cfg *Config, path string) error {
	r, err := l.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer r.Close()

	vals := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vals[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	applyValues(cfg, func(key string) (string, bool) {
		v, ok := vals[key]
		return v, ok
	})
	return nil
}

func (l Loader) applyEnv(cfg *Config) {
	applyValues(cfg, func(key string) (string, bool) {
		v := l.Getenv(key)
		return v, v != ""
	})
}

// applyValues is shared by the config-file and environment passes: both
// just differ in how a key's raw string value is looked up.
func applyValues(cfg *Config, get func(string) (string, bool)) {
	if v, ok := get("SCR_ENABLE"); ok {
		cfg.Enable = parseBool(v, cfg.Enable)
	}
	if v, ok := get("SCR_DEBUG"); ok {
		cfg.Debug = parseInt(v, cfg.Debug)
	}
	if v, ok := get("SCR_CNTL_BASE"); ok {
		cfg.CntlBase = v
	}
	if v, ok := get("SCR_CACHE_BASE"); ok {
		cfg.CacheBase = v
	}
	if v, ok := get("SCR_CACHE_SIZE"); ok {
		cfg.CacheSize = parseInt(v, cfg.CacheSize)
	}
	if v, ok := get("SCR_COPY_TYPE"); ok {
		cfg.CopyType = strings.ToUpper(v)
	}
	if v, ok := get("SCR_SET_SIZE"); ok {
		cfg.SetSize = parseInt(v, cfg.SetSize)
	}
	if v, ok := get("SCR_HOP_DISTANCE"); ok {
		cfg.HopDistance = parseInt(v, cfg.HopDistance)
	}
	if v, ok := get("SCR_HALT_SECONDS"); ok {
		cfg.HaltSeconds = parseInt(v, cfg.HaltSeconds)
	}
	if v, ok := get("SCR_MPI_BUF_SIZE"); ok {
		cfg.MPIBufSize = parseBytes(v, cfg.MPIBufSize)
	}
	if v, ok := get("SCR_FILE_BUF_SIZE"); ok {
		cfg.FileBufSize = parseBytes(v, cfg.FileBufSize)
	}
	if v, ok := get("SCR_DISTRIBUTE"); ok {
		cfg.Distribute = parseBool(v, cfg.Distribute)
	}
	if v, ok := get("SCR_FETCH"); ok {
		cfg.Fetch = parseBool(v, cfg.Fetch)
	}
	if v, ok := get("SCR_FETCH_WIDTH"); ok {
		cfg.FetchWidth = parseInt(v, cfg.FetchWidth)
	}
	if v, ok := get("SCR_FLUSH"); ok {
		cfg.Flush = parseBool(v, cfg.Flush)
	}
	if v, ok := get("SCR_FLUSH_WIDTH"); ok {
		cfg.FlushWidth = parseInt(v, cfg.FlushWidth)
	}
	if v, ok := get("SCR_FLUSH_ON_RESTART"); ok {
		cfg.FlushOnRestart = parseBool(v, cfg.FlushOnRestart)
	}
	if v, ok := get("SCR_GLOBAL_RESTART"); ok {
		cfg.GlobalRestart = parseBool(v, cfg.GlobalRestart)
	}
	if v, ok := get("SCR_FLUSH_ASYNC"); ok {
		cfg.FlushAsync = parseBool(v, cfg.FlushAsync)
	}
	if v, ok := get("SCR_FLUSH_ASYNC_BW"); ok {
		cfg.FlushAsyncBW = parseBytes(v, cfg.FlushAsyncBW)
	}
	if v, ok := get("SCR_CRC_ON_COPY"); ok {
		cfg.CRCOnCopy = parseBool(v, cfg.CRCOnCopy)
	}
	if v, ok := get("SCR_CRC_ON_FLUSH"); ok {
		cfg.CRCOnFlush = parseBool(v, cfg.CRCOnFlush)
	}
	if v, ok := get("SCR_CACHE_CHECK_CRC"); ok {
		cfg.CacheCheckCRC = parseBool(v, cfg.CacheCheckCRC)
	}
	if v, ok := get("SCR_CHECKPOINT_INTERVAL"); ok {
		cfg.CheckpointInterval = parseInt(v, cfg.CheckpointInterval)
	}
	if v, ok := get("SCR_CHECKPOINT_SECONDS"); ok {
		cfg.CheckpointSeconds = parseInt(v, cfg.CheckpointSeconds)
	}
	if v, ok := get("SCR_CHECKPOINT_OVERHEAD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CheckpointOverhead = f
		}
	}
	if v, ok := get("SCR_PREFIX"); ok {
		cfg.Prefix = v
	}
	if v, ok := get("SCR_JOB_ID"); ok {
		cfg.JobID = v
	}
	if v, ok := get("SCR_JOB_NAME"); ok {
		cfg.JobName = v
	}
	if v, ok := get("SCR_USER_NAME"); ok {
		cfg.UserName = v
	}
}

// Watcher reloads a Loader's config file whenever it changes on disk,
// delivering the new Config on Changes. A job that never calls Watch
// only ever sees the Config it loaded at startup.
type Watcher struct {
	Changes chan Config

	w *fsnotify.Watcher
}

// Watch starts watching l's SCR_CONF_FILE (if set) for writes and
// re-runs l.Load on each one, sending the result to Changes. Callers
// with no config file configured get a Watcher whose Changes channel
// simply never fires and is never closed. For a watched file, Stop ends
// the watch and the watch loop then closes Changes.
func (l Loader) Watch(cfg Config) (*Watcher, error) {
	watcher := &Watcher{Changes: make(chan Config, 1)}
	if cfg.ConfFile == "" {
		return watcher, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(cfg.ConfFile); err != nil {
		fw.Close()
		return nil, err
	}
	watcher.w = fw

	go func() {
		defer close(watcher.Changes)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if next, err := l.Load(); err == nil {
					watcher.Changes <- next
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher, nil
}

// Stop ends the watch loop and releases the underlying fsnotify watch.
func (w *Watcher) Stop() {
	if w.w != nil {
		w.w.Close()
	}
}

func parseBool(v string, fallback bool) bool {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n != 0
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// parseBytes accepts either a bare integer byte count or a
// human-readable size ("64MB", "1GiB") the way SCR_FLUSH_ASYNC_BW and
// the buffer-size directives are documented.
func parseBytes(v string, fallback int64) int64 {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if n, err := units.RAMInBytes(v); err == nil {
		return n
	}
	return fallback
}
