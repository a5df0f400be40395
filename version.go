package seqkv

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/segment"
)

// SegmentMeta describes one live segment file. The key range and
// sequence bounds come from the writer and let readers and the
// compactor skip files without opening blocks.
type SegmentMeta struct {
	ID            uint64
	Generation    uint64
	Size          uint64
	MaxSeq        uint64
	NumEntries    uint64
	NumTombstones uint64
	Smallest      keys.EncodedKey
	Largest       keys.EncodedKey

	reader *segment.Reader
}

// FileName returns the segment's file name within the segments
// directory.
func (m *SegmentMeta) FileName() string {
	return segment.FileName(m.Generation, m.ID)
}

// ContainsUserKey reports whether userKey falls inside the segment's
// key range.
func (m *SegmentMeta) ContainsUserKey(userKey keys.UserKey) bool {
	return userKey.CompareToEncoded(m.Smallest) >= 0 &&
		userKey.CompareToEncoded(m.Largest) <= 0
}

// OverlapsRange reports whether any of the segment's keys can fall in
// bounds.
func (m *SegmentMeta) OverlapsRange(bounds *keys.Range) bool {
	if bounds == nil {
		return true
	}
	if bounds.Start != nil && m.Largest.Compare(bounds.Start) < 0 {
		return false
	}
	if bounds.Limit != nil && m.Smallest.Compare(bounds.Limit) >= 0 {
		return false
	}
	return true
}

// Version is an immutable snapshot of the live segment set plus the
// captured log number. Readers pin a version by reference; segment
// files referenced by any pinned version are never deleted.
type Version struct {
	// segments ordered newest-first by MaxSeq, then by ID. Point
	// lookups still compare sequences across overlapping segments;
	// the order only determines iteration setup.
	segments []*SegmentMeta
	logNum   uint64

	refs atomic.Int32
}

func newVersion(segments []*SegmentMeta, logNum uint64) *Version {
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].MaxSeq != segments[j].MaxSeq {
			return segments[i].MaxSeq > segments[j].MaxSeq
		}
		return segments[i].ID > segments[j].ID
	})
	v := &Version{segments: segments, logNum: logNum}
	v.refs.Store(1)
	for _, m := range segments {
		m.reader.Ref()
	}
	return v
}

// Ref pins the version for a reader.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases the pin. At zero the version releases its segment
// references, which deletes any file already marked obsolete.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, m := range v.segments {
		m.reader.Unref()
	}
}

// Segments returns the snapshot's segment list, newest first.
func (v *Version) Segments() []*SegmentMeta {
	return v.segments
}

// LogNum returns the newest log fully captured by segments.
func (v *Version) LogNum() uint64 {
	return v.logNum
}

// TotalSize returns the summed size of all segments.
func (v *Version) TotalSize() uint64 {
	var total uint64
	for _, m := range v.segments {
		total += m.Size
	}
	return total
}

// versionSet owns the current version and the manifest. All mutations
// of the segment set funnel through logAndApply, which makes the
// manifest edit durable before the in-memory swap, so a crash can only
// lose an edit, never apply half of one.
type versionSet struct {
	mu sync.Mutex

	dir        string
	segmentDir string
	manifest   *manifestWriter
	current    atomic.Pointer[Version]

	nextSegID uint64
	logger    *slog.Logger

	maxManifestSize int64
}

func newVersionSet(dir string, state *manifestState, opts *Options) (*versionSet, error) {
	vs := &versionSet{
		dir:             dir,
		segmentDir:      filepath.Join(dir, "segments"),
		logger:          opts.Logger,
		maxManifestSize: opts.MaxManifestSize,
		nextSegID:       1,
	}

	// Open a reader per recovered segment. Metadata without a readable
	// file means lost durable state, which recovery must not paper
	// over.
	segments := make([]*SegmentMeta, 0, len(state.segments))
	for _, meta := range state.segments {
		reader, err := segment.Open(filepath.Join(vs.segmentDir, meta.FileName()))
		if err != nil {
			for _, m := range segments {
				m.reader.Unref()
			}
			return nil, fmt.Errorf("%w: segment %s: %v", ErrCorruption, meta.FileName(), err)
		}
		meta.reader = reader
		segments = append(segments, meta)
		if meta.ID >= vs.nextSegID {
			vs.nextSegID = meta.ID + 1
		}
	}

	// A read-only open never appends an edit, so it must not create or
	// touch the MANIFEST file.
	if !opts.ReadOnly {
		mw, err := newManifestWriter(dir)
		if err != nil {
			for _, m := range segments {
				m.reader.Unref()
			}
			return nil, err
		}
		vs.manifest = mw
	}

	v := newVersion(segments, state.logNum)
	// newVersion refs the readers for the version; drop the open refs.
	for _, m := range segments {
		m.reader.Unref()
	}
	vs.current.Store(v)
	return vs, nil
}

// newSegmentID hands out a unique segment file ID.
func (vs *versionSet) newSegmentID() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	id := vs.nextSegID
	vs.nextSegID++
	return id
}

// currentVersion returns the live version with a reference held for
// the caller, or nil once the set has closed.
func (vs *versionSet) currentVersion() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current.Load()
	if v == nil {
		return nil
	}
	v.Ref()
	return v
}

// logAndApply makes the edit durable in the manifest and swaps in the
// resulting version. Added segments must carry open readers. Removed
// segments are marked obsolete only after the manifest no longer
// references them; their files disappear once the last snapshot lets
// go.
func (vs *versionSet) logAndApply(edit *manifestEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifest == nil {
		return ErrReadOnly
	}
	if err := vs.manifest.append(edit); err != nil {
		return fmt.Errorf("manifest append: %w", err)
	}

	old := vs.current.Load()

	removed := make(map[uint64]bool, len(edit.removed))
	for _, id := range edit.removed {
		removed[id] = true
	}

	segments := make([]*SegmentMeta, 0, len(old.segments)+len(edit.added))
	var obsolete []*SegmentMeta
	for _, m := range old.segments {
		if removed[m.ID] {
			obsolete = append(obsolete, m)
			continue
		}
		segments = append(segments, m)
	}
	segments = append(segments, edit.added...)

	logNum := old.logNum
	if edit.hasLogNum {
		logNum = edit.logNum
	}

	next := newVersion(segments, logNum)
	vs.current.Store(next)

	for _, m := range obsolete {
		m.reader.MarkObsolete()
	}
	old.Unref()

	if vs.manifest.needsRewrite(vs.maxManifestSize) {
		if err := vs.manifest.rewriteSnapshot(next.segments, next.logNum); err != nil {
			// The append already succeeded; a failed rewrite costs
			// space, not correctness.
			vs.logger.Error("manifest snapshot rewrite failed", "error", err)
		}
	}
	return nil
}

func (vs *versionSet) close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	var err error
	if vs.manifest != nil {
		err = vs.manifest.close()
	}
	if v := vs.current.Swap(nil); v != nil {
		v.Unref()
	}
	return err
}
