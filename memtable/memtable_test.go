package memtable

import (
	"fmt"
	"testing"

	"github.com/seqkv/seqkv/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	mt.Put(keys.NewEncodedKey([]byte("a"), 1, keys.KindSet), []byte("1"))
	mt.Put(keys.NewEncodedKey([]byte("b"), 2, keys.KindSet), []byte("2"))

	k, v := mt.Get(keys.NewQueryKey([]byte("a")))
	require.NotNil(t, k)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, keys.KindSet, k.Kind())

	k, _ = mt.Get(keys.NewQueryKey([]byte("missing")))
	assert.Nil(t, k)
}

func TestNewestVersionWins(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("old"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 2, keys.KindSet), []byte("new"))

	k, v := mt.Get(keys.NewQueryKey([]byte("k")))
	require.NotNil(t, k)
	assert.Equal(t, uint64(2), k.Seq())
	assert.Equal(t, []byte("new"), v)
}

func TestTombstoneVisible(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 2, keys.KindDelete), nil)

	k, _ := mt.Get(keys.NewQueryKey([]byte("k")))
	require.NotNil(t, k)
	assert.Equal(t, keys.KindDelete, k.Kind())
}

func TestIteratorOrder(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	// Insert out of order.
	for i, key := range []string{"cherry", "apple", "banana"} {
		mt.Put(keys.NewEncodedKey([]byte(key), uint64(i+1), keys.KindSet), []byte(key))
	}

	it := mt.NewIterator()
	defer it.Close()

	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey()))
	}
	assert.Equal(t, []string{"apple", "banana", "cherry"}, got)
}

func TestIteratorVersionOrder(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v1"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 3, keys.KindSet), []byte("v3"))
	mt.Put(keys.NewEncodedKey([]byte("k"), 2, keys.KindSet), []byte("v2"))

	it := mt.NewIterator()
	defer it.Close()

	var seqs []uint64
	for it.SeekToFirst(); it.Valid(); it.Next() {
		seqs = append(seqs, it.Key().Seq())
	}
	assert.Equal(t, []uint64{3, 2, 1}, seqs, "versions sort newest first")
}

func TestIteratorBounds(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	for i, key := range []string{"a", "b", "c", "d", "e"} {
		mt.Put(keys.NewEncodedKey([]byte(key), uint64(i+1), keys.KindSet), []byte(key))
	}

	it := mt.NewIteratorWithBounds(keys.NewRange([]byte("b"), []byte("d")))
	defer it.Close()

	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey()))
	}
	assert.Equal(t, []string{"b", "c"}, got, "limit is exclusive")
}

func TestIteratorSeek(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	for i, key := range []string{"a", "c", "e"} {
		mt.Put(keys.NewEncodedKey([]byte(key), uint64(i+1), keys.KindSet), []byte(key))
	}

	it := mt.NewIterator()
	defer it.Close()

	it.Seek(keys.NewQueryKey([]byte("b")))
	require.True(t, it.Valid())
	assert.Equal(t, keys.UserKey("c"), it.Key().UserKey())

	it.Seek(keys.NewQueryKey([]byte("z")))
	assert.False(t, it.Valid())
}

func TestApproximateSizeGrows(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	before := mt.ApproximateSize()
	mt.Put(keys.NewEncodedKey([]byte("key"), 1, keys.KindSet), make([]byte, 512))
	assert.Greater(t, mt.ApproximateSize(), before)

	assert.False(t, mt.ShouldFlush(1<<20))
	assert.True(t, mt.ShouldFlush(64))
}

func TestEmptyAndLen(t *testing.T) {
	mt := New(4096)
	defer mt.Unref()

	assert.True(t, mt.Empty())
	assert.Zero(t, mt.Len())

	mt.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v"))
	assert.False(t, mt.Empty())
	assert.Equal(t, 1, mt.Len())
}

func TestManyKeys(t *testing.T) {
	mt := New(1 << 20)
	defer mt.Unref()

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%06d", i)
		mt.Put(keys.NewEncodedKey([]byte(key), uint64(i+1), keys.KindSet), []byte(key))
	}
	require.Equal(t, n, mt.Len())

	for i := 0; i < n; i += 97 {
		key := fmt.Sprintf("key-%06d", i)
		k, v := mt.Get(keys.NewQueryKey([]byte(key)))
		require.NotNil(t, k, "key %s", key)
		assert.Equal(t, []byte(key), v)
	}

	it := mt.NewIterator()
	defer it.Close()
	count := 0
	var prev keys.EncodedKey
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if prev != nil {
			assert.Negative(t, prev.Compare(it.Key()))
		}
		prev = it.Key().Clone()
		count++
	}
	assert.Equal(t, n, count)
}

func TestRefList(t *testing.T) {
	active := New(4096)
	frozen := []*MemTable{New(4096), New(4096)}

	mems := RefList(active, frozen)
	require.Len(t, mems, 3)
	assert.Same(t, active, mems[0])

	UnrefList(mems)
	// The original references are still live.
	active.Put(keys.NewEncodedKey([]byte("k"), 1, keys.KindSet), []byte("v"))
	assert.Equal(t, 1, active.Len())

	active.Unref()
	for _, mt := range frozen {
		mt.Unref()
	}
}
