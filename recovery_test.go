package seqkv

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/segment"
	"github.com/seqkv/seqkv/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverRetiredLog(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("settled"), []byte("1")))
	require.NoError(t, db.Close())

	// Plant a retired log, the on-disk shape of a crash after a
	// rotation but before its flush became durable.
	scratch := t.TempDir()
	l, err := wal.Open(wal.Opts{Dir: scratch, NextSeq: 100})
	require.NoError(t, err)
	_, err = l.Append(keys.KindSet, []byte("stranded"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	retired := filepath.Join(opts.Path, logDirName, wal.RetiredName(5))
	require.NoError(t, os.Rename(filepath.Join(scratch, wal.ActiveName), retired))

	db = openTestDB(t, opts)

	v, err := db.Get([]byte("stranded"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	v, err = db.Get([]byte("settled"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	// Draining the flush queue lands the stranded records in a segment
	// and retires the log file for good.
	require.NoError(t, db.Flush())
	_, err = os.Stat(retired)
	assert.True(t, os.IsNotExist(err))
	assert.GreaterOrEqual(t, db.Stats().Segments, 1)
}

// diskState maps every file under root to its size.
func diskState(t *testing.T, root string) map[string]int64 {
	t.Helper()
	state := make(map[string]int64)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		state[rel] = info.Size()
		return nil
	})
	require.NoError(t, err)
	return state
}

func TestReadOnlyOpenLeavesDiskUntouched(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("settled"), []byte("1")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("tail"), []byte("2")))
	require.NoError(t, db.Close())

	// Plant a retired log awaiting flush, the on-disk shape of a crash
	// after a rotation.
	scratch := t.TempDir()
	l, err := wal.Open(wal.Opts{Dir: scratch, NextSeq: 100})
	require.NoError(t, err)
	_, err = l.Append(keys.KindSet, []byte("stranded"), []byte("3"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	retired := filepath.Join(opts.Path, logDirName, wal.RetiredName(5))
	require.NoError(t, os.Rename(filepath.Join(scratch, wal.ActiveName), retired))

	before := diskState(t, opts.Path)

	ro := opts.Clone()
	ro.ReadOnly = true
	db, err = Open(ro)
	require.NoError(t, err)

	// Settled, unflushed and stranded records are all served.
	for key, want := range map[string]string{"settled": "1", "tail": "2", "stranded": "3"} {
		v, err := db.Get([]byte(key))
		require.NoError(t, err, key)
		assert.Equal(t, []byte(want), v, key)
	}
	it, err := db.Scan(nil, nil)
	require.NoError(t, err)
	var scanned int
	for ; it.Valid(); it.Next() {
		scanned++
	}
	require.NoError(t, it.Close())
	assert.Equal(t, 3, scanned)

	// A window for background work to hit the disk, then compare.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, db.Close())
	assert.Equal(t, before, diskState(t, opts.Path))
}

func TestRecoverCorruptRetiredLogFails(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	retired := filepath.Join(opts.Path, logDirName, wal.RetiredName(3))
	require.NoError(t, os.WriteFile(retired, []byte{0xff, 0xff, 0xff, 0xff, 1, 2, 3, 4, 5}, 0644))

	_, err = Open(opts)
	assert.ErrorIs(t, err, ErrCorruption,
		"retired logs were synced before rename, so damage there is fatal")
}

func TestOrphanSegmentSwept(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// A crash between writing a compaction output and committing the
	// manifest edit leaves an unreferenced segment file.
	orphan := filepath.Join(opts.Path, "segments", segment.FileName(9, 999))
	require.NoError(t, os.WriteFile(orphan, []byte("leftover"), 0644))

	db = openTestDB(t, opts)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestCapturedLogsRemovedOnOpen(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// A log at or below the manifest's captured number is fully
	// represented by segments and must not be replayed.
	version := uint64(1)
	stale := filepath.Join(opts.Path, logDirName, wal.RetiredName(version))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))

	db = openTestDB(t, opts)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestManifestTornTailTolerated(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// Append half a record, as a crash during a manifest append would.
	f, err := os.OpenFile(filepath.Join(opts.Path, manifestName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var partial [4]byte
	binary.LittleEndian.PutUint32(partial[:], 64)
	_, err = f.Write(partial[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	// The torn bytes are gone, so new manifest edits land cleanly and
	// the store survives another reopen.
	require.NoError(t, db.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	db = openTestDB(t, opts)
	v, err = db.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestCorruptManifestFailsOpen(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// A complete record with a bad checksum is real corruption, not a
	// crash artifact.
	f, err := os.OpenFile(filepath.Join(opts.Path, manifestName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	record := make([]byte, manifestHeaderLen+8)
	binary.LittleEndian.PutUint32(record, uint32(len(record)))
	binary.LittleEndian.PutUint32(record[4:], 0xdeadbeef)
	record[8] = tagLogNumber
	_, err = f.Write(record)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(opts)
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestInterruptedManifestSnapshotRemoved(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	tmp := filepath.Join(opts.Path, manifestTmpName)
	require.NoError(t, os.WriteFile(tmp, []byte("half a snapshot"), 0644))

	db = openTestDB(t, opts)
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestRecoveryAcrossManyReopens(t *testing.T) {
	opts := testOptions(t)

	for round := 0; round < 5; round++ {
		db, err := Open(opts)
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("round%d-key%02d", round, i)
			require.NoError(t, db.Put([]byte(key), []byte(fmt.Sprintf("%d", round))))
		}
		if round%2 == 0 {
			require.NoError(t, db.Flush())
		}

		// Everything written in any earlier round is still there.
		for r := 0; r <= round; r++ {
			v, err := db.Get([]byte(fmt.Sprintf("round%d-key07", r)))
			require.NoError(t, err, "round %d key from round %d", round, r)
			assert.Equal(t, []byte(fmt.Sprintf("%d", r)), v)
		}
		require.NoError(t, db.Close())
	}
}
