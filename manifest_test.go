package seqkv

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/seqkv/seqkv/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta(id uint64) *SegmentMeta {
	return &SegmentMeta{
		Generation:    1,
		ID:            id,
		Size:          4096,
		MaxSeq:        id * 100,
		NumEntries:    50,
		NumTombstones: 3,
		Smallest:      keys.NewEncodedKey([]byte("aaa"), id*100-49, keys.KindSet),
		Largest:       keys.NewEncodedKey([]byte("zzz"), id*100, keys.KindSet),
	}
}

func TestManifestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	mw, err := newManifestWriter(dir)
	require.NoError(t, err)

	edit := &manifestEdit{}
	edit.addSegment(testMeta(1))
	edit.addSegment(testMeta(2))
	edit.setLogNumber(7)
	require.NoError(t, mw.append(edit))

	edit = &manifestEdit{}
	edit.addSegment(testMeta(3))
	edit.removeSegment(1)
	edit.removeSegment(2)
	edit.setLogNumber(9)
	require.NoError(t, mw.append(edit))
	require.NoError(t, mw.close())

	state, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), state.logNum)
	require.Len(t, state.segments, 1)

	got := state.segments[3]
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Generation)
	assert.Equal(t, uint64(300), got.MaxSeq)
	assert.Equal(t, uint64(50), got.NumEntries)
	assert.Equal(t, keys.UserKey("aaa"), got.Smallest.UserKey())
	assert.Equal(t, keys.UserKey("zzz"), got.Largest.UserKey())
}

func TestManifestOversizedRecordRejected(t *testing.T) {
	dir := t.TempDir()

	mw, err := newManifestWriter(dir)
	require.NoError(t, err)
	edit := &manifestEdit{}
	edit.addSegment(testMeta(1))
	edit.setLogNumber(3)
	require.NoError(t, mw.append(edit))
	require.NoError(t, mw.close())

	// A garbage length prefix is rejected before anything is allocated
	// from it.
	f, err := os.OpenFile(filepath.Join(dir, manifestName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var huge [4]byte
	binary.LittleEndian.PutUint32(huge[:], 1<<31)
	_, err = f.Write(huge[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = readManifest(dir)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestManifestMissingFileIsEmptyState(t *testing.T) {
	state, err := readManifest(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, state.segments)
	assert.Zero(t, state.logNum)
}

func TestManifestTornRecordStopsReplay(t *testing.T) {
	dir := t.TempDir()

	mw, err := newManifestWriter(dir)
	require.NoError(t, err)
	edit := &manifestEdit{}
	edit.addSegment(testMeta(1))
	require.NoError(t, mw.append(edit))
	require.NoError(t, mw.close())

	// Simulate a crash mid-append by adding a few stray bytes.
	f, err := os.OpenFile(filepath.Join(dir, manifestName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{50, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	state, err := readManifest(dir)
	require.NoError(t, err)
	assert.Len(t, state.segments, 1, "records before the torn tail survive")
}

func TestManifestSnapshotRewrite(t *testing.T) {
	dir := t.TempDir()

	mw, err := newManifestWriter(dir)
	require.NoError(t, err)

	// Grow the file with edits that mostly cancel out.
	for id := uint64(1); id <= 20; id++ {
		edit := &manifestEdit{}
		edit.addSegment(testMeta(id))
		if id > 1 {
			edit.removeSegment(id - 1)
		}
		edit.setLogNumber(id)
		require.NoError(t, mw.append(edit))
	}
	grown := mw.size

	live := []*SegmentMeta{testMeta(20)}
	require.NoError(t, mw.rewriteSnapshot(live, 20))
	assert.Less(t, mw.size, grown, "snapshot collapses the edit history")

	// The rewritten file must replay to the same state, and stay
	// appendable.
	edit := &manifestEdit{}
	edit.addSegment(testMeta(21))
	require.NoError(t, mw.append(edit))
	require.NoError(t, mw.close())

	state, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), state.logNum)
	require.Len(t, state.segments, 2)
	assert.NotNil(t, state.segments[20])
	assert.NotNil(t, state.segments[21])

	_, err = os.Stat(filepath.Join(dir, manifestTmpName))
	assert.True(t, os.IsNotExist(err), "snapshot tmp file is renamed away")
}

func TestManifestNeedsRewrite(t *testing.T) {
	dir := t.TempDir()

	mw, err := newManifestWriter(dir)
	require.NoError(t, err)
	defer mw.close()

	assert.False(t, mw.needsRewrite(1024))

	edit := &manifestEdit{}
	edit.addSegment(testMeta(1))
	require.NoError(t, mw.append(edit))
	assert.True(t, mw.needsRewrite(1))
}

func TestSegmentMetaRoundtrip(t *testing.T) {
	meta := testMeta(42)
	got, err := decodeSegmentMeta(encodeSegmentMeta(meta))
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestSegmentMetaDecodeRejectsTruncation(t *testing.T) {
	data := encodeSegmentMeta(testMeta(1))
	for _, cut := range []int{1, 8, len(data) / 2, len(data) - 1} {
		_, err := decodeSegmentMeta(data[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}
