package seqkv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/segment"
)

// Policy decides which segments to merge next. It sees an immutable
// version and returns the candidate set for one compaction, or nil
// when no work is warranted.
type Policy interface {
	PickCandidates(v *Version) []*SegmentMeta
}

// SizeTieredPolicy buckets segments by size and merges a bucket once
// it collects Fanout members of similar size. Segments share a bucket
// when each is within Fanout times the smallest member, so repeated
// merges produce geometrically growing outputs.
type SizeTieredPolicy struct {
	Fanout int
}

// PickCandidates returns the smallest full bucket. Merging small
// segments first keeps write amplification low; larger buckets get
// their turn once enough same-sized outputs accumulate.
func (p *SizeTieredPolicy) PickCandidates(v *Version) []*SegmentMeta {
	fanout := p.Fanout
	if fanout <= 1 {
		fanout = DefaultTierFanout
	}

	segs := v.Segments()
	if len(segs) < fanout {
		return nil
	}

	bySize := make([]*SegmentMeta, len(segs))
	copy(bySize, segs)
	sort.Slice(bySize, func(i, j int) bool {
		return bySize[i].Size < bySize[j].Size
	})

	bucket := make([]*SegmentMeta, 0, fanout)
	bucket = append(bucket, bySize[0])
	floor := max(bySize[0].Size, 1)
	for _, m := range bySize[1:] {
		if m.Size > floor*uint64(fanout) {
			bucket = bucket[:0]
			bucket = append(bucket, m)
			floor = max(m.Size, 1)
			continue
		}
		bucket = append(bucket, m)
		if len(bucket) == fanout {
			out := make([]*SegmentMeta, fanout)
			copy(out, bucket)
			return out
		}
	}
	return nil
}

// CompactionStats accumulates totals across all compactions since the
// store opened.
type CompactionStats struct {
	Compactions    uint64
	SegmentsIn     uint64
	SegmentsOut    uint64
	BytesRead      uint64
	BytesWritten   uint64
	EntriesDropped uint64
	Duration       time.Duration
}

// compactor runs merges in a single background goroutine. Flushes
// signal it through schedule; CompactNow borrows the same work path
// synchronously. workMu serializes the two so at most one merge runs
// at a time.
type compactor struct {
	versions *versionSet
	opts     *Options
	policy   Policy
	logger   *slog.Logger

	wakeupChan chan struct{}
	closeChan  chan struct{}

	workMu sync.Mutex

	mu     sync.Mutex
	closed bool
	stats  CompactionStats
	wg     sync.WaitGroup
}

func newCompactor(versions *versionSet, opts *Options, policy Policy) *compactor {
	if policy == nil {
		policy = &SizeTieredPolicy{Fanout: opts.TierFanout}
	}
	c := &compactor{
		versions:   versions,
		opts:       opts,
		policy:     policy,
		logger:     opts.Logger,
		wakeupChan: make(chan struct{}, 1),
		closeChan:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// schedule nudges the worker. A pending nudge already covers the new
// work, so the send never blocks.
func (c *compactor) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.wakeupChan <- struct{}{}:
	default:
	}
}

func (c *compactor) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeChan:
			return
		case <-c.wakeupChan:
			// Drain the tiers: one flush can make several buckets
			// eligible, and each merge can fill the next tier up.
			// Shutdown is honored between merges, never mid-merge.
			for {
				select {
				case <-c.closeChan:
					return
				default:
				}
				worked, err := c.runOnce()
				if err != nil {
					c.logger.Error("compaction failed", "error", err)
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

// runOnce asks the policy for candidates and merges them. It reports
// whether any work was done.
func (c *compactor) runOnce() (bool, error) {
	c.workMu.Lock()
	defer c.workMu.Unlock()

	version := c.versions.currentVersion()
	if version == nil {
		return false, nil
	}
	defer version.Unref()

	candidates := c.policy.PickCandidates(version)
	if len(candidates) == 0 {
		return false, nil
	}
	if err := c.compact(candidates, version); err != nil {
		return false, err
	}
	return true, nil
}

// compact merges the candidate segments into one output segment and
// installs the swap through the manifest. The input files stay on disk
// until every snapshot pinned before the swap lets go of them.
func (c *compactor) compact(candidates []*SegmentMeta, version *Version) error {
	start := time.Now()

	inBucket := make(map[uint64]bool, len(candidates))
	var inputBytes, inputEntries uint64
	var generation uint64
	for _, m := range candidates {
		inBucket[m.ID] = true
		inputBytes += m.Size
		inputEntries += m.NumEntries
		if m.Generation > generation {
			generation = m.Generation
		}
	}
	generation++

	// Segments outside the bucket can hold older values that a
	// tombstone in the bucket still shadows. Memtables cannot: every
	// memtable entry is newer than anything already flushed.
	var shadowed []*SegmentMeta
	for _, m := range version.Segments() {
		if !inBucket[m.ID] {
			shadowed = append(shadowed, m)
		}
	}

	id := c.versions.newSegmentID()
	path := filepath.Join(c.versions.segmentDir, segment.FileName(generation, id))

	writer, err := segment.NewWriter(segment.WriterOpts{
		Path:            path,
		Compression:     c.opts.Compression,
		BlockSize:       c.opts.BlockSize,
		BlockMinEntries: c.opts.BlockMinEntries,
	})
	if err != nil {
		return fmt.Errorf("compaction output %s: %w", path, err)
	}

	// Tombstones ride along so they keep shadowing older segments.
	merge := NewMergeIterator(nil, true, keys.MaxSequence, len(candidates))
	for _, m := range candidates {
		merge.AddIterator(m.reader.NewIterator())
	}
	defer merge.Close()

	var dropped uint64
	for merge.SeekToFirst(); merge.Valid(); merge.Next() {
		key := merge.Key()
		if key.Kind() == keys.KindDelete && !anyContains(shadowed, key.UserKey()) {
			// Nothing older survives outside the bucket, so the
			// tombstone has done its job.
			dropped++
			continue
		}
		if err := writer.Add(key, merge.Value()); err != nil {
			writer.Abort()
			return fmt.Errorf("compaction write: %w", err)
		}
	}
	if err := merge.Error(); err != nil {
		writer.Abort()
		return fmt.Errorf("compaction input: %w", err)
	}

	edit := &manifestEdit{}
	for _, m := range candidates {
		edit.removeSegment(m.ID)
	}

	var outMeta *SegmentMeta
	if writer.NumEntries() == 0 {
		// Every entry was a droppable tombstone. The inputs vanish
		// with no replacement.
		writer.Abort()
	} else {
		meta := &SegmentMeta{
			ID:            id,
			Generation:    generation,
			MaxSeq:        writer.MaxSeq(),
			NumEntries:    writer.NumEntries(),
			NumTombstones: writer.NumTombstones(),
			Smallest:      writer.Smallest().Clone(),
			Largest:       writer.Largest().Clone(),
		}
		if err := writer.Finish(); err != nil {
			writer.Abort()
			return fmt.Errorf("compaction finish: %w", err)
		}
		if err := writer.Close(); err != nil {
			os.Remove(path)
			return fmt.Errorf("compaction close: %w", err)
		}
		reader, err := segment.Open(path)
		if err != nil {
			os.Remove(path)
			return fmt.Errorf("compaction reopen: %w", err)
		}
		st, err := os.Stat(path)
		if err != nil {
			reader.Unref()
			os.Remove(path)
			return err
		}
		meta.Size = uint64(st.Size())
		meta.reader = reader
		edit.addSegment(meta)
		outMeta = meta
	}

	if err := c.versions.logAndApply(edit); err != nil {
		if outMeta != nil {
			outMeta.reader.Unref()
			os.Remove(path)
		}
		return err
	}
	if outMeta != nil {
		// The installed version holds its own reference now.
		outMeta.reader.Unref()
	}

	duration := time.Since(start)
	var outBytes, outEntries uint64
	if outMeta != nil {
		outBytes = outMeta.Size
		outEntries = outMeta.NumEntries
	}
	c.logger.Info("compaction done",
		"generation", generation,
		"inputs", len(candidates),
		"inputBytes", inputBytes,
		"outputBytes", outBytes,
		"droppedTombstones", dropped,
		"duration", duration)

	c.mu.Lock()
	c.stats.Compactions++
	c.stats.SegmentsIn += uint64(len(candidates))
	if outMeta != nil {
		c.stats.SegmentsOut++
	}
	c.stats.BytesRead += inputBytes
	c.stats.BytesWritten += outBytes
	c.stats.EntriesDropped += inputEntries - outEntries
	c.stats.Duration += duration
	c.mu.Unlock()
	return nil
}

func anyContains(segs []*SegmentMeta, userKey keys.UserKey) bool {
	for _, m := range segs {
		if m.ContainsUserKey(userKey) {
			return true
		}
	}
	return false
}

func (c *compactor) statsSnapshot() CompactionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *compactor) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeChan)
	c.wg.Wait()
}
