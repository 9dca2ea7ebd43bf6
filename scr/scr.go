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

// Package scr is the top-level orchestrator: Init, Finalize,
// NeedCheckpoint, StartCheckpoint, RouteFile, and CompleteCheckpoint,
// wiring the cache controller, redundancy engine, flush/fetch
// pipelines, and halt/interval policy into the six calls an
// application actually makes.
package scr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dc0d/onexit"
	"github.com/google/uuid"

	"github.com/launix-de/scr-go/internal/cache"
	"github.com/launix-de/scr-go/internal/config"
	"github.com/launix-de/scr-go/internal/fetch"
	"github.com/launix-de/scr-go/internal/filemap"
	"github.com/launix-de/scr-go/internal/flush"
	"github.com/launix-de/scr-go/internal/group"
	"github.com/launix-de/scr-go/internal/halt"
	"github.com/launix-de/scr-go/internal/index"
	"github.com/launix-de/scr-go/internal/meta"
	"github.com/launix-de/scr-go/internal/pfs"
	"github.com/launix-de/scr-go/internal/redundancy"
	"github.com/launix-de/scr-go/internal/rlog"
	"github.com/launix-de/scr-go/internal/screrr"
	"github.com/launix-de/scr-go/internal/treestore"
)

// State is one rank's handle on the library. It is not safe for
// concurrent use from more than one goroutine: there is no
// intra-process concurrency inside the library core.
type State struct {
	World      group.Group
	NodeGroup  group.Group
	LevelGroup group.Group

	Backend pfs.Backend
	Cfg     config.Config
	Log     *rlog.Logger

	cntlDir  string
	cacheDir string
	haltPath string

	fm *cache.Controller
	ff *flush.FlushFile

	rd []*redundancy.Descriptor

	datasetID  int
	datasetDir string
	routed     map[string]string
	valid      bool

	needCount         int
	lastCheckpointEnd time.Time
	avgCheckpointCost time.Duration

	tfPath  string
	asyncTF *flush.TransferFile

	asyncDatasetID  int
	asyncDatasetDir string
	asyncMetaDir    string
}

// HostnameFunc resolves the local hostname; a seam so tests can run
// multiple simulated nodes inside one process the way group.Local runs
// multiple ranks.
type HostnameFunc func() (string, error)

// Options configures Init beyond what SCR_* environment variables
// cover.
type Options struct {
	World      group.Group
	Backend    pfs.Backend
	Hostname   HostnameFunc
	ConfigLoad config.Loader // zero value uses config.NewLoader()
	Now        func() time.Time
}

// Init builds node-local and level sub-groups from World, loads
// configuration, builds the redundancy descriptor table, creates the
// control and cache directories, reads the halt file, and attempts to
// recover the most recent cached dataset via redistribute before
// falling back to a PFS fetch. Finalize is registered to also run on
// an unexpected process exit.
func Init(opts Options) (*State, error) {
	if opts.Hostname == nil {
		opts.Hostname = os.Hostname
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	loader := opts.ConfigLoad
	if loader.Getenv == nil {
		loader = config.NewLoader()
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, screrr.Wrap(screrr.ConfigInvalid, "init: load config", err)
	}

	host, err := opts.Hostname()
	if err != nil {
		return nil, screrr.Wrap(screrr.GroupUnavailable, "init: resolve hostname", err)
	}

	// The node-local group colors ranks sharing a host together; the
	// level group then colors by node-local rank, so rank k on every
	// node ends up together -- the sub-group PARTNER/XOR schemes
	// actually run redundancy over.
	nodeColor := int(hostHash(host))
	nodeGroup := opts.World.Split(nodeColor, opts.World.Rank())
	levelGroup := opts.World.Split(nodeGroup.Rank(), opts.World.Rank())

	jobID := cfg.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	st := &State{
		World:      opts.World,
		NodeGroup:  nodeGroup,
		LevelGroup: levelGroup,
		Backend:    opts.Backend,
		Cfg:        cfg,
		Log:        rlog.New(opts.World.Rank(), host),
		cntlDir:    filepath.Join(cfg.CntlBase, "scr."+jobID),
		cacheDir:   filepath.Join(cfg.CacheBase, "scr."+jobID),
	}
	st.haltPath = filepath.Join(st.cntlDir, "halt.scr")
	st.tfPath = filepath.Join(st.cntlDir, "transfer.scr")

	if err := os.MkdirAll(st.cntlDir, 0750); err != nil {
		return nil, screrr.Wrap(screrr.IoFailed, "init: create control dir", err)
	}
	if err := os.MkdirAll(st.cacheDir, 0750); err != nil {
		return nil, screrr.Wrap(screrr.IoFailed, "init: create cache dir", err)
	}

	rd, err := buildRedundancyTable(cfg, opts.World, levelGroup)
	if err != nil {
		return nil, err
	}
	st.rd = rd

	fmPath := filepath.Join(st.cntlDir, fmt.Sprintf("filemap.%d.scr", opts.World.Rank()))
	loadedFM, err := filemap.Load(fmPath)
	if err != nil {
		loadedFM = filemap.New()
	}

	// Rebalance the loaded filemap across this node's ranks before
	// looking at it: the number of ranks sharing a node can differ from
	// the run that wrote it, so each local rank's own entries come back
	// first and whatever's left over is handed out round-robin.
	if ids := loadedFM.ListDatasets(); len(ids) > 0 {
		redistributed := filemap.New()
		for _, id := range ids {
			perRank, err := cache.GatherScatter(nodeGroup, opts.World.Rank(), loadedFM, id)
			if err != nil {
				return nil, screrr.Wrap(screrr.IoFailed, "init: gather/scatter filemap", err)
			}
			if err := redistributed.Merge(perRank); err != nil {
				return nil, screrr.Wrap(screrr.IoFailed, "init: merge gather/scatter result", err)
			}
		}
		loadedFM = redistributed
	}

	st.fm = &cache.Controller{FM: loadedFM, Size: cfg.CacheSize, CRCOnDelete: cfg.CacheCheckCRC}

	st.ff = flush.Open(filepath.Join(st.cntlDir, "flush.scr"))

	// rank 0 records how many nodes this run spans, so a later run
	// (or scr_nodes_file) can compare the allocation it's given against
	// what the previous run actually used.
	if opts.World.Rank() == 0 {
		ranksPerNode := nodeGroup.Size()
		if ranksPerNode < 1 {
			ranksPerNode = 1
		}
		nodes := treestore.New()
		nodes.SetKVInt("nodes", opts.World.Size()/ranksPerNode)
		_ = treestore.WritePath(filepath.Join(st.cntlDir, "nodes.scr"), nodes)
	}

	// A missing halt file is not an error; CheckHaltAndDecrement
	// creates one lazily on first write.
	_, _ = halt.ReadState(st.haltPath)

	if latest, ok := loadedFM.LatestDataset(); ok {
		st.recoverLatest(latest)
	}

	onexit.Register(func() { _ = st.Finalize() })
	return st, nil
}

func hostHash(host string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(host); i++ {
		h ^= uint32(host[i])
		h *= 16777619
	}
	return h
}

func buildRedundancyTable(cfg config.Config, world, levelGroup group.Group) ([]*redundancy.Descriptor, error) {
	scheme := redundancy.SchemeLocal
	switch cfg.CopyType {
	case "PARTNER":
		scheme = redundancy.SchemePartner
	case "XOR":
		scheme = redundancy.SchemeXOR
	}
	rcfg := redundancy.Config{
		Scheme:   scheme,
		Interval: 1,
		Base:     cfg.CacheBase,
		Hop:      cfg.HopDistance,
		SetSize:  cfg.SetSize,
	}
	desc, err := redundancy.CreateFromConfig(rcfg, world, levelGroup)
	if err != nil {
		return nil, screrr.Wrap(screrr.ConfigInvalid, "init: build redundancy descriptor", err)
	}
	return []*redundancy.Descriptor{desc}, nil
}

// recoverLatest attempts cache redistribute for the most recently
// cached dataset; a rank Redistribute couldn't relocate a source for
// then tries a redundancy rebuild (Partner decode or XOR rebuild)
// before the whole job falls back to a PFS fetch. Errors are logged,
// not fatal, since a job can still run without a recovered dataset as
// long as it starts fresh checkpoints.
func (st *State) recoverLatest(datasetID int) {
	worldRank := st.World.Rank()
	mine := cache.RankFiles{
		TargetWorldRank: worldRank,
		HeldWorldRank:   worldRank,
		Files:           map[string]string{},
	}
	for _, name := range st.fm.FM.ListFiles(datasetID, worldRank) {
		if m, ok := st.fm.FM.GetFile(datasetID, worldRank, name); ok {
			mine.Files[name] = m.CachePath
		}
	}

	found, err := cache.Redistribute(st.World, mine, st.cacheDir)
	if err != nil {
		st.Log.Errorf("redistribute dataset %d: %v, falling back to fetch", datasetID, err)
		st.fallbackFetch()
		return
	}

	// HasExpectedFiles confirms this dataset's bookkeeping actually
	// recorded a redundancy descriptor at encode time; without it a
	// missing source might just mean this rank never held the dataset at
	// all, not that it needs rebuilding.
	needRebuild := !found[worldRank] && st.fm.FM.HasExpectedFiles(datasetID, worldRank)

	var desc *redundancy.Descriptor
	if len(st.rd) > 0 && st.rd[0].Enabled {
		desc = st.rd[0]
	}

	if desc != nil && desc.Scheme != redundancy.SchemeLocal {
		var needed []string
		if needRebuild {
			needed = st.fm.FM.ListFiles(datasetID, worldRank)
		}
		if scheme, _, _, ok := st.fm.FM.RD(datasetID, worldRank); ok && scheme != desc.Scheme.String() {
			st.Log.Errorf("dataset %d was encoded under %s, this run built %s", datasetID, scheme, desc.Scheme)
		}
		if st.rebuildFromRedundancy(desc, datasetID, worldRank, needed) {
			st.datasetID = datasetID
			return
		}
		if needRebuild {
			st.Log.Errorf("redundancy rebuild failed for dataset %d, falling back to fetch", datasetID)
			st.fallbackFetch()
			return
		}
	} else if needRebuild {
		st.Log.Errorf("no redundancy scheme available for dataset %d, falling back to fetch", datasetID)
		st.fallbackFetch()
		return
	}

	st.datasetID = datasetID
}

// rebuildFromRedundancy drives one collective redundancy-rebuild round
// over desc.Grp for datasetID. Every rank in the set must call this
// together -- Partner negotiates its transfer count pairwise per call,
// XOR agrees on a single failed group rank via an AllReduce max over
// each rank's own contribution (its own GroupRank if it has something
// to restore, -1 otherwise) -- so a rank with nothing missing still
// calls this with an empty needed to play its part in serving whichever
// peer does. It reports whether this rank's own files ended up present.
func (st *State) rebuildFromRedundancy(desc *redundancy.Descriptor, datasetID, worldRank int, needed []string) bool {
	destDir := filepath.Join(st.cacheDir, fmt.Sprintf("checkpoint.%d", datasetID))
	if err := os.MkdirAll(destDir, 0750); err != nil {
		st.Log.Errorf("rebuild dataset %d: mkdir dest: %v", datasetID, err)
		return len(needed) == 0
	}

	switch desc.Scheme {
	case redundancy.SchemePartner:
		partnerDir := filepath.Join(st.cacheDir, "partner")
		if err := os.MkdirAll(partnerDir, 0750); err != nil {
			st.Log.Errorf("rebuild dataset %d: mkdir partner: %v", datasetID, err)
			return len(needed) == 0
		}
		pc := &redundancy.PartnerCodec{Desc: desc, CRCOnCopy: st.Cfg.CRCOnFlush}
		if err := pc.Decode(st.fm.FM, st.fm.FM, partnerDir, datasetID, worldRank, needed, destDir); err != nil {
			st.Log.Errorf("partner decode dataset %d: %v", datasetID, err)
			return len(needed) == 0
		}
		return true

	case redundancy.SchemeXOR:
		contribution := int64(-1)
		if len(needed) > 0 {
			contribution = int64(desc.GroupRank)
		}
		failed := desc.Grp.AllReduceInt(group.OpMax, contribution)
		if failed < 0 {
			return true
		}

		chunkPath := filepath.Join(destDir, meta.ChunkFileName(desc.GroupRank, desc.SetSize, desc.GroupID))
		outPath := filepath.Join(destDir, fmt.Sprintf("rebuilt.%d", failed))

		xc := &redundancy.XORCodec{Desc: desc}
		if err := xc.Rebuild(st.fm.FM, datasetID, int(failed), chunkPath, outPath); err != nil {
			st.Log.Errorf("xor rebuild dataset %d: %v", datasetID, err)
			return len(needed) == 0
		}
		if len(needed) == 0 {
			return true
		}

		if err := splitRebuiltBlob(outPath+".meta", outPath, destDir); err != nil {
			st.Log.Errorf("xor rebuild dataset %d: split recovered data: %v", datasetID, err)
			return false
		}
		if err := redundancy.ApplyRebuiltMeta(st.fm.FM, outPath+".meta", worldRank, datasetID, destDir); err != nil {
			st.Log.Errorf("xor rebuild dataset %d: apply meta: %v", datasetID, err)
			return false
		}
		return true
	}
	return len(needed) == 0
}

// splitRebuiltBlob splits the raw bytes Rebuild wrote to blobPath back
// into the individual files metaPath's recovered meta tree describes,
// in the same ascending-name order concatenateFiles originally packed
// them in, writing each under destDir so ApplyRebuiltMeta's CachePath
// assignment matches what's actually on disk.
func splitRebuiltBlob(metaPath, blobPath, destDir string) error {
	filesTree, err := treestore.ReadPath(metaPath)
	if err != nil {
		return fmt.Errorf("split rebuilt blob: read meta: %w", err)
	}
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		return fmt.Errorf("split rebuilt blob: read data: %w", err)
	}

	offset := 0
	var outerr error
	filesTree.Each(func(name string, mt *treestore.Tree) {
		if outerr != nil {
			return
		}
		size, _ := mt.GetKVInt("size")
		if offset+size > len(blob) {
			outerr = fmt.Errorf("split rebuilt blob: %s extends past recovered data", name)
			return
		}
		if err := os.WriteFile(filepath.Join(destDir, name), blob[offset:offset+size], 0640); err != nil {
			outerr = err
			return
		}
		offset += size
	})
	return outerr
}

func (st *State) fallbackFetch() {
	var desc *redundancy.Descriptor
	if len(st.rd) > 0 && st.rd[0].Enabled {
		desc = st.rd[0]
	}
	res, err := fetch.Fetch(st.World, st.Backend, st.fm.FM, st.ff, st.cacheDir, desc, fetch.Options{WithCRC: st.Cfg.CRCOnFlush, Now: time.Now()})
	if err != nil {
		st.Log.Errorf("fetch fallback: %v", err)
		return
	}
	st.datasetID = res.DatasetID
}

// NeedCheckpoint reports whether the caller should take another
// checkpoint now, per the interval/seconds/overhead policy in
// the interval/seconds/overhead policy.
func (st *State) NeedCheckpoint() bool {
	policy := halt.IntervalPolicy{
		Interval:          st.Cfg.CheckpointInterval,
		CheckpointSeconds: time.Duration(st.Cfg.CheckpointSeconds) * time.Second,
		MaxOverhead:       st.Cfg.CheckpointOverhead,
	}
	in := halt.NeedCheckpointInput{
		NeedCount:         st.needCount,
		SecondsSinceEnd:   time.Since(st.lastCheckpointEnd),
		AvgCheckpointCost: st.avgCheckpointCost,
	}
	return halt.NeedCheckpoint(st.World, policy, in)
}

// StartCheckpoint allocates a new dataset id, evicts cache entries to
// make room under the configured cache size, and creates the dataset's
// cache directory.
func (st *State) StartCheckpoint() error {
	st.World.Barrier()
	st.needCount++
	st.datasetID++
	st.routed = map[string]string{}
	st.valid = true

	datasets := make([]cache.Dataset, 0)
	for _, id := range st.fm.FM.ListDatasets() {
		datasets = append(datasets, cache.Dataset{
			ID:       id,
			Base:     st.Cfg.CacheBase,
			Dir:      filepath.Join(st.cacheDir, fmt.Sprintf("checkpoint.%d", id)),
			Flushing: st.ff.HasMarker(id, flush.MarkerFlushing),
		})
	}
	if err := st.fm.EnsureCapacity(st.Cfg.CacheBase, datasets, func(d cache.Dataset) error {
		return st.fm.DeleteDataset(d.ID, d.Dir)
	}); err != nil {
		return screrr.Wrap(screrr.IoFailed, "start_checkpoint: evict cache", err)
	}

	st.datasetDir = filepath.Join(st.cacheDir, fmt.Sprintf("checkpoint.%d", st.datasetID))
	if err := os.MkdirAll(st.datasetDir, 0750); err != nil {
		return screrr.Wrap(screrr.IoFailed, "start_checkpoint: mkdir", err)
	}
	return nil
}

// RouteFile translates a user-visible logical file name to its
// in-cache path, joining the dataset's cache directory with the
// file's base name, and remembers the mapping for CompleteCheckpoint.
func (st *State) RouteFile(logicalName string) string {
	path := filepath.Join(st.datasetDir, filepath.Base(logicalName))
	st.routed[logicalName] = path
	return path
}

// CompleteCheckpoint writes meta for every routed file (carrying
// valid), barriers, runs the redundancy encode, and on success runs
// the halt check and a conditional flush; on failure it deletes the
// dataset so a retry starts clean.
func (st *State) CompleteCheckpoint(valid bool) error {
	st.valid = st.valid && valid
	rank := st.World.Rank()

	for logical, path := range st.routed {
		info, err := os.Stat(path)
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		m := meta.New(filepath.Base(logical), path, rank, st.datasetID)
		m.OriginPath = logical
		m.Size = size
		m.Valid = st.valid
		m.SetComplete(st.valid)
		if st.valid {
			if err := meta.Write(m); err != nil {
				st.valid = false
			}
		}
		if err := st.fm.FM.AddFile(st.datasetID, rank, filepath.Base(logical), m); err != nil {
			st.valid = false
		}
	}

	netValid := st.World.AllReduceInt(group.OpLogicalAnd, boolToInt(st.valid)) != 0

	if !netValid {
		_ = st.fm.DeleteDataset(st.datasetID, st.datasetDir)
		return screrr.New(screrr.IoFailed, "complete_checkpoint: dataset invalid, deleted")
	}

	if err := st.fm.FM.SetExpectedFiles(st.datasetID, rank, len(st.routed)); err != nil {
		st.Log.Errorf("record expected file count: %v", err)
	}

	var desc *redundancy.Descriptor
	if len(st.rd) > 0 && st.rd[0].Enabled {
		desc = st.rd[0]
	}
	if err := redundancy.EncodeDataset(desc, st.fm.FM, st.datasetID, rank, st.cacheDir); err != nil {
		_ = st.fm.DeleteDataset(st.datasetID, st.datasetDir)
		return screrr.Wrap(screrr.RedundancyExceeded, "complete_checkpoint: encode", err)
	}
	if desc != nil {
		if err := st.fm.FM.SetRD(st.datasetID, rank, desc.Scheme.String(), desc.GroupID, desc.SetSize); err != nil {
			st.Log.Errorf("record redundancy descriptor: %v", err)
		}
	}

	if err := st.ff.SetMarker(st.datasetID, flush.MarkerCache); err != nil {
		return screrr.Wrap(screrr.IoFailed, "complete_checkpoint: set CACHE marker", err)
	}

	st.lastCheckpointEnd = time.Now()

	halted, reason, _, err := halt.CheckHaltAndDecrement(st.haltPath, halt.Config{HaltSeconds: time.Duration(st.Cfg.HaltSeconds) * time.Second}, nil, true, time.Now())
	if err != nil {
		st.Log.Errorf("halt check: %v", err)
	}

	if st.Cfg.Flush && st.Cfg.Enable {
		st.waitAsyncFlush()
		opts := flush.Options{
			JobID:      st.Cfg.JobID,
			FlushWidth: st.Cfg.FlushWidth,
			Now:        time.Now(),
			Checkpoint: true,
			WithCRC:    st.Cfg.CRCOnFlush,
		}
		if st.Cfg.FlushAsync {
			tf := flush.OpenTransfer(st.tfPath)
			datasetDir, metaDir, err := flush.AsyncFlushStart(st.World, st.fm.FM, st.ff, st.datasetID, tf, opts)
			if err != nil {
				st.Log.Errorf("start async flush dataset %d: %v", st.datasetID, err)
			} else {
				st.asyncTF = tf
				st.asyncDatasetID = st.datasetID
				st.asyncDatasetDir = datasetDir
				st.asyncMetaDir = metaDir
			}
		} else if err := flush.SyncFlush(st.World, st.fm.FM, st.ff, st.datasetID, st.Backend, opts); err != nil {
			st.Log.Errorf("flush dataset %d: %v", st.datasetID, err)
		}
	}

	if halted {
		st.Log.Printf("halting: %s", reason)
	}

	return nil
}

// waitAsyncFlush blocks until a still-outstanding async flush started by
// a previous CompleteCheckpoint finishes and records its summary/index,
// a no-op if no async flush is outstanding. CompleteCheckpoint calls it
// before starting the next checkpoint's flush so only one transfer is
// ever in flight against tfPath.
func (st *State) waitAsyncFlush() {
	if st.asyncTF == nil {
		return
	}
	opts := flush.Options{
		JobID:      st.Cfg.JobID,
		FlushWidth: st.Cfg.FlushWidth,
		Now:        time.Now(),
		Checkpoint: true,
		WithCRC:    st.Cfg.CRCOnFlush,
	}
	if err := flush.AsyncFlushWait(st.World, st.asyncTF, st.fm.FM, st.ff, st.asyncDatasetID, st.Backend, st.asyncMetaDir, st.asyncDatasetDir, opts, 20*time.Millisecond, 10000); err != nil {
		st.Log.Errorf("async flush dataset %d: %v", st.asyncDatasetID, err)
	}
	st.asyncTF = nil
}

// Finalize stops any in-progress async flush, performs a final sync
// flush if one is still needed, and tears down group handles. It is
// idempotent: calling it more than once (directly, then again via the
// exit hook) is harmless.
func (st *State) Finalize() error {
	if st.asyncTF != nil {
		if err := flush.AsyncFlushStop(st.asyncTF, 100*time.Millisecond, 300); err != nil {
			st.Log.Errorf("finalize: stop async flush: %v", err)
		}
		st.asyncTF = nil
	}
	if st.ff != nil && st.datasetID != 0 && st.ff.NeedFlush(st.datasetID) {
		opts := flush.Options{JobID: st.Cfg.JobID, FlushWidth: st.Cfg.FlushWidth, Now: time.Now(), Checkpoint: true, WithCRC: st.Cfg.CRCOnFlush}
		if err := flush.SyncFlush(st.World, st.fm.FM, st.ff, st.datasetID, st.Backend, opts); err != nil {
			st.Log.Errorf("finalize: final flush: %v", err)
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// LoadIndex is a convenience wrapper over index.Load for callers (the
// CLI tools) that need index.scr directly rather than through a State.
func LoadIndex(backend pfs.Backend) (*index.Index, error) {
	return index.Load(backend, index.IndexPath)
}
