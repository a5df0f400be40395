package seqkv

import (
	"fmt"
	"testing"

	"github.com/seqkv/seqkv/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metasBySizes(sizes ...uint64) []*SegmentMeta {
	metas := make([]*SegmentMeta, len(sizes))
	for i, size := range sizes {
		metas[i] = &SegmentMeta{ID: uint64(i + 1), Generation: 1, Size: size}
	}
	return metas
}

func TestPolicyNeedsFullTier(t *testing.T) {
	p := &SizeTieredPolicy{Fanout: 4}

	v := &Version{segments: metasBySizes(100, 100, 100)}
	assert.Nil(t, p.PickCandidates(v), "three similar segments are below the fanout")

	v = &Version{segments: metasBySizes(100, 110, 90, 105)}
	picked := p.PickCandidates(v)
	require.Len(t, picked, 4)
}

func TestPolicyGroupsBySize(t *testing.T) {
	p := &SizeTieredPolicy{Fanout: 4}

	// Three small segments and three huge ones: no bucket is full.
	v := &Version{segments: metasBySizes(100, 100, 100, 1<<30, 1<<30, 1<<30)}
	assert.Nil(t, p.PickCandidates(v))

	// A fourth small segment completes the small tier; the huge ones
	// stay out of it.
	v = &Version{segments: metasBySizes(100, 100, 100, 1<<30, 1<<30, 1<<30, 120)}
	picked := p.PickCandidates(v)
	require.Len(t, picked, 4)
	for _, m := range picked {
		assert.LessOrEqual(t, m.Size, uint64(120))
	}
}

func TestPolicyZeroSizeSegments(t *testing.T) {
	p := &SizeTieredPolicy{Fanout: 2}
	v := &Version{segments: metasBySizes(0, 0)}
	assert.Len(t, p.PickCandidates(v), 2)
}

func TestAnyContains(t *testing.T) {
	meta := &SegmentMeta{
		Smallest: keys.NewEncodedKey([]byte("b"), 1, keys.KindSet),
		Largest:  keys.NewEncodedKey([]byte("m"), 9, keys.KindSet),
	}
	segs := []*SegmentMeta{meta}

	assert.True(t, anyContains(segs, keys.UserKey("b")))
	assert.True(t, anyContains(segs, keys.UserKey("g")))
	assert.True(t, anyContains(segs, keys.UserKey("m")))
	assert.False(t, anyContains(segs, keys.UserKey("a")))
	assert.False(t, anyContains(segs, keys.UserKey("z")))
	assert.False(t, anyContains(nil, keys.UserKey("g")))
}

func fillSegment(t *testing.T, db *DB, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("%s-%04d", prefix, i)), []byte(prefix)))
	}
	require.NoError(t, db.Flush())
}

func compactFully(t *testing.T, db *DB) {
	t.Helper()
	for {
		before := db.Stats().Segments
		require.NoError(t, db.CompactNow())
		if db.Stats().Segments == before {
			return
		}
	}
}

func TestCompactNowMergesTier(t *testing.T) {
	db := openTestDB(t, nil)

	for i := 0; i < 4; i++ {
		fillSegment(t, db, fmt.Sprintf("batch%d", i), 50)
	}
	compactFully(t, db)

	stats := db.Stats()
	assert.Equal(t, 1, stats.Segments)
	assert.Positive(t, stats.Compaction.Compactions)

	for i := 0; i < 4; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("batch%d-0025", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("batch%d", i)), v)
	}
}

func TestCompactNowNoCandidatesIsNoop(t *testing.T) {
	db := openTestDB(t, nil)

	fillSegment(t, db, "only", 20)
	before := db.Stats()
	require.NoError(t, db.CompactNow())
	after := db.Stats()
	assert.Equal(t, before.Segments, after.Segments)
}

func TestCompactionKeepsNewestVersion(t *testing.T) {
	db := openTestDB(t, nil)

	// Same keys rewritten in every segment; the merge must keep only
	// the latest value.
	for round := 0; round < 4; round++ {
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("key-%04d", i)
			require.NoError(t, db.Put([]byte(key), []byte(fmt.Sprintf("round-%d", round))))
		}
		require.NoError(t, db.Flush())
	}
	compactFully(t, db)

	assert.Equal(t, 1, db.Stats().Segments)
	for i := 0; i < 30; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte("round-3"), v)
	}
}

func TestCompactionDropsTombstones(t *testing.T) {
	db := openTestDB(t, nil)

	fillSegment(t, db, "doomed", 20)

	// Second segment holds only tombstones for the first one's keys.
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("doomed-%04d", i))))
	}
	require.NoError(t, db.Flush())

	fillSegment(t, db, "live1", 20)
	fillSegment(t, db, "live2", 20)

	compactFully(t, db)
	require.Equal(t, 1, db.Stats().Segments)

	for i := 0; i < 20; i++ {
		_, err := db.Get([]byte(fmt.Sprintf("doomed-%04d", i)))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	v, err := db.Get([]byte("live1-0003"))
	require.NoError(t, err)
	assert.Equal(t, []byte("live1"), v)

	// With every input in the merge, nothing outside can hold older
	// versions, so the tombstones themselves are gone too.
	version := db.versions.currentVersion()
	defer version.Unref()
	require.Len(t, version.Segments(), 1)
	assert.Zero(t, version.Segments()[0].NumTombstones)
}

func TestCompactionOutputGeneration(t *testing.T) {
	db := openTestDB(t, nil)

	for i := 0; i < 4; i++ {
		fillSegment(t, db, fmt.Sprintf("g%d", i), 20)
	}
	compactFully(t, db)

	version := db.versions.currentVersion()
	defer version.Unref()
	require.Len(t, version.Segments(), 1)
	assert.Equal(t, uint64(2), version.Segments()[0].Generation,
		"merging generation-1 inputs yields a generation-2 output")
}

func TestBackgroundCompactionKicksIn(t *testing.T) {
	opts := testOptions(t)
	opts.TierFanout = 2
	db := openTestDB(t, opts)

	for i := 0; i < 6; i++ {
		fillSegment(t, db, fmt.Sprintf("w%d", i), 20)
	}
	// The background worker is racing us; force the remaining passes
	// synchronously so the assertion is deterministic.
	compactFully(t, db)

	assert.Equal(t, 1, db.Stats().Segments)
	for i := 0; i < 6; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("w%d-0000", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("w%d", i)), v)
	}
}
