package seqkv

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// applyRandomOps drives a store and a plain map model through the same
// operation sequence. Flushes and compactions are sprinkled in so the
// data crosses the memtable, segment and merge paths.
func applyRandomOps(t *testing.T, db *DB, model map[string]string, rnd *rand.Rand, numOps int) error {
	for i := 0; i < numOps; i++ {
		key := fmt.Sprintf("key-%02d", rnd.Intn(40))
		switch op := rnd.Intn(10); {
		case op < 6:
			value := fmt.Sprintf("v%d-%d", i, rnd.Intn(1000))
			if err := db.PutWithOptions([]byte(key), []byte(value), NoSync); err != nil {
				return err
			}
			model[key] = value
		case op < 8:
			if err := db.DeleteWithOptions([]byte(key), NoSync); err != nil {
				return err
			}
			delete(model, key)
		case op < 9:
			if err := db.Flush(); err != nil {
				return err
			}
		default:
			if err := db.CompactNow(); err != nil {
				return err
			}
		}
	}
	return nil
}

// modelMatches checks every key of the model space through Get and the
// whole store through Scan.
func modelMatches(t *testing.T, db *DB, model map[string]string) bool {
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("key-%02d", i)
		v, err := db.Get([]byte(key))
		want, ok := model[key]
		if !ok {
			if !errors.Is(err, ErrNotFound) {
				t.Logf("key %s: want ErrNotFound, got %v (value %q)", key, err, v)
				return false
			}
			continue
		}
		if err != nil {
			t.Logf("key %s: unexpected error %v", key, err)
			return false
		}
		if string(v) != want {
			t.Logf("key %s: want %q, got %q", key, want, v)
			return false
		}
	}

	it, err := db.Scan(nil, nil)
	if err != nil {
		t.Logf("scan: %v", err)
		return false
	}
	defer it.Close()

	seen := make(map[string]string)
	var prev []byte
	for ; it.Valid(); it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
			t.Logf("scan order violated: %q after %q", it.Key(), prev)
			return false
		}
		prev = append(prev[:0], it.Key()...)
		seen[string(it.Key())] = string(it.Value())
	}
	if err := it.Error(); err != nil {
		t.Logf("scan error: %v", err)
		return false
	}
	if len(seen) != len(model) {
		t.Logf("scan size: want %d keys, got %d", len(model), len(seen))
		return false
	}
	for k, want := range model {
		if seen[k] != want {
			t.Logf("scan key %s: want %q, got %q", k, want, seen[k])
			return false
		}
	}
	return true
}

func TestStoreMatchesModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("random operations match a map model", prop.ForAll(
		func(seed int64, numOps int) bool {
			opts := testOptions(t)
			db, err := Open(opts)
			require.NoError(t, err)
			defer db.Close()

			rnd := rand.New(rand.NewSource(seed))
			model := make(map[string]string)
			if err := applyRandomOps(t, db, model, rnd, numOps); err != nil {
				t.Logf("ops failed: %v", err)
				return false
			}
			return modelMatches(t, db, model)
		},
		gen.Int64(),
		gen.IntRange(50, 250),
	))

	properties.Property("state survives a reopen", prop.ForAll(
		func(seed int64, numOps int) bool {
			opts := testOptions(t)
			db, err := Open(opts)
			require.NoError(t, err)

			rnd := rand.New(rand.NewSource(seed))
			model := make(map[string]string)
			if err := applyRandomOps(t, db, model, rnd, numOps); err != nil {
				db.Close()
				t.Logf("ops failed: %v", err)
				return false
			}
			if err := db.Close(); err != nil {
				t.Logf("close failed: %v", err)
				return false
			}

			db, err = Open(opts)
			require.NoError(t, err)
			defer db.Close()
			return modelMatches(t, db, model)
		},
		gen.Int64(),
		gen.IntRange(50, 150),
	))

	properties.Property("bounded scans agree with full scans", prop.ForAll(
		func(seed int64, lo, hi int) bool {
			if lo >= hi {
				lo, hi = hi, lo+1
			}
			start := []byte(fmt.Sprintf("key-%02d", lo))
			end := []byte(fmt.Sprintf("key-%02d", hi))

			opts := testOptions(t)
			db, err := Open(opts)
			require.NoError(t, err)
			defer db.Close()

			rnd := rand.New(rand.NewSource(seed))
			model := make(map[string]string)
			if err := applyRandomOps(t, db, model, rnd, 100); err != nil {
				t.Logf("ops failed: %v", err)
				return false
			}

			it, err := db.Scan(start, end)
			if err != nil {
				t.Logf("scan: %v", err)
				return false
			}
			defer it.Close()

			got := make(map[string]string)
			for ; it.Valid(); it.Next() {
				got[string(it.Key())] = string(it.Value())
			}
			if err := it.Error(); err != nil {
				t.Logf("scan error: %v", err)
				return false
			}

			want := make(map[string]string)
			for k, v := range model {
				if k >= string(start) && k < string(end) {
					want[k] = v
				}
			}
			if len(got) != len(want) {
				t.Logf("range [%s, %s): want %d keys, got %d", start, end, len(want), len(got))
				return false
			}
			for k, v := range want {
				if got[k] != v {
					t.Logf("range key %s: want %q, got %q", k, v, got[k])
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(0, 39),
		gen.IntRange(0, 39),
	))

	properties.TestingRun(t)
}
