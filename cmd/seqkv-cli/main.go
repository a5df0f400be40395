package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/seqkv/seqkv"
	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/segment"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "list":
		err = listCommand(args)
	case "dump":
		err = dumpCommand(args)
	case "compact":
		err = compactCommand(args)
	case "verify":
		err = verifyCommand(args)
	case "stats":
		err = statsCommand(args)
	case "version":
		fmt.Printf("seqkv-cli version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`seqkv-cli - Command line tool for inspecting seqkv stores

Usage:
  seqkv-cli <command> [options]

Commands:
  list <store_path>                List all segment files with sizes and entry counts
  dump <store_path> <file_name>    Dump contents of a specific segment file
  compact <store_path>             Run compaction until no eligible tier remains
  verify <store_path>              Iterate the whole store to verify readability
  stats <store_path>               Show store statistics
  version                          Show version information
  help                             Show this help message

Examples:
  seqkv-cli list /path/to/store
  seqkv-cli dump /path/to/store 000001-000003.seg
  seqkv-cli compact /path/to/store
  seqkv-cli verify /path/to/store

`)
}

func openStore(path string, readOnly bool) (*seqkv.DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("store directory does not exist: %s", path)
	}
	opts := seqkv.DefaultOptions()
	opts.Path = path
	opts.ReadOnly = readOnly
	opts.CreateIfMissing = false
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return seqkv.Open(opts)
}

func listCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("list command requires store path")
	}
	path := args[0]

	segDir := filepath.Join(path, "segments")
	entries, err := os.ReadDir(segDir)
	if err != nil {
		return fmt.Errorf("failed to read segments directory: %v", err)
	}

	type segInfo struct {
		name       string
		generation uint64
		id         uint64
		size       int64
		entries    uint64
	}
	var segs []segInfo
	for _, entry := range entries {
		name := entry.Name()
		generation, id, ok := segment.ParseFileName(name)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		si := segInfo{name: name, generation: generation, id: id, size: info.Size()}
		if reader, err := segment.Open(filepath.Join(segDir, name)); err == nil {
			si.entries = reader.NumEntries()
			reader.Unref()
		}
		segs = append(segs, si)
	}

	if len(segs) == 0 {
		fmt.Println("No segments found in store")
		return nil
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].generation != segs[j].generation {
			return segs[i].generation < segs[j].generation
		}
		return segs[i].id < segs[j].id
	})

	fmt.Printf("Store: %s\n", path)
	fmt.Printf("Total segments: %d\n\n", len(segs))
	fmt.Printf("%-20s %-12s %-12s %s\n", "File", "Generation", "Entries", "Size")
	fmt.Printf("%s\n", "--------------------------------------------------------")
	for _, s := range segs {
		fmt.Printf("%-20s %-12d %-12d %s\n", s.name, s.generation, s.entries, formatBytes(uint64(s.size)))
	}
	return nil
}

func dumpCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("dump command requires store path and segment file name")
	}
	path := args[0]
	name := args[1]

	segPath := filepath.Join(path, "segments", name)
	if _, err := os.Stat(segPath); os.IsNotExist(err) {
		return fmt.Errorf("segment file does not exist: %s", segPath)
	}

	reader, err := segment.Open(segPath)
	if err != nil {
		return fmt.Errorf("failed to open segment: %v", err)
	}
	defer reader.Unref()

	fmt.Printf("Segment: %s\n", segPath)
	if info, err := os.Stat(segPath); err == nil {
		fmt.Printf("File size: %s\n", formatBytes(uint64(info.Size())))
	}
	fmt.Printf("Entries: %d\n\nContents:\n\n", reader.NumEntries())

	iter := reader.NewIterator()
	defer iter.Close()

	fmt.Printf("%-6s %-30s %-30s %-8s %-10s\n", "Index", "Key", "Value", "Kind", "Seq")
	fmt.Printf("%s\n", "------------------------------------------------------------------------------------")

	count := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		count++
		key := iter.Key()
		kind := "SET"
		if key.Kind() == keys.KindDelete {
			kind = "DELETE"
		}
		fmt.Printf("%-6d %-30s %-30s %-8s %-10d\n",
			count, formatBytesField(key.UserKey(), 28), formatBytesField(iter.Value(), 28), kind, key.Seq())

		if count >= 1000 {
			fmt.Printf("... (showing first 1000 entries, file may contain more)\n")
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error: %v", err)
	}
	fmt.Printf("\nTotal entries shown: %d\n", count)
	return nil
}

func compactCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("compact command requires store path")
	}
	db, err := openStore(args[0], false)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer db.Close()

	before := db.Stats()
	fmt.Printf("Before: %d segments, %s\n", before.Segments, formatBytes(before.SegmentBytes))

	// Keep compacting until a pass finds no eligible tier.
	for {
		prev := db.Stats().Segments
		if err := db.CompactNow(); err != nil {
			return fmt.Errorf("compaction failed: %v", err)
		}
		if db.Stats().Segments == prev {
			break
		}
	}

	after := db.Stats()
	fmt.Printf("After:  %d segments, %s\n", after.Segments, formatBytes(after.SegmentBytes))
	fmt.Println("Compaction completed successfully")
	return nil
}

func verifyCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("verify command requires store path")
	}
	db, err := openStore(args[0], true)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer db.Close()

	iter, err := db.Scan(nil, nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	samples := 0
	for ; iter.Valid(); iter.Next() {
		if samples < 5 {
			fmt.Printf("  Sample %d: Key=%s, Value=%s\n", samples+1,
				formatBytesField(iter.Key(), 20), formatBytesField(iter.Value(), 20))
			samples++
		}
		count++
		if count >= 10000 {
			fmt.Println("  ... (limiting verification to first 10,000 entries)")
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error during verification: %v", err)
	}

	fmt.Printf("Verified %d entries\n", count)
	stats := db.Stats()
	fmt.Printf("Store has %d segment files, %s total\n", stats.Segments, formatBytes(stats.SegmentBytes))
	return nil
}

func statsCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("stats command requires store path")
	}
	db, err := openStore(args[0], true)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer db.Close()

	s := db.Stats()
	fmt.Printf("Store: %s\n\n", args[0])
	fmt.Printf("Memtable bytes:    %s\n", formatBytes(uint64(s.MemtableBytes)))
	fmt.Printf("Frozen memtables:  %d\n", s.FrozenMemtables)
	fmt.Printf("Segments:          %d\n", s.Segments)
	fmt.Printf("Segment bytes:     %s\n", formatBytes(s.SegmentBytes))
	fmt.Printf("Log bytes:         %s\n", formatBytes(uint64(s.LogBytes)))
	fmt.Printf("Next sequence:     %d\n", s.NextSeq)
	fmt.Printf("Compactions:       %d\n", s.Compaction.Compactions)
	fmt.Printf("Compaction reads:  %s\n", formatBytes(s.Compaction.BytesRead))
	fmt.Printf("Compaction writes: %s\n", formatBytes(s.Compaction.BytesWritten))
	return nil
}

func formatBytes(n uint64) string {
	const (
		kib = 1024
		mib = kib * 1024
		gib = mib * 1024
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.2f GiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.2f MiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.2f KiB", float64(n)/kib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// formatBytesField renders raw bytes for table output, escaping
// non-printable characters and truncating to maxLen.
func formatBytesField(b []byte, maxLen int) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			out = append(out, c)
		} else {
			out = append(out, fmt.Sprintf("\\x%02x", c)...)
		}
	}
	if len(out) > maxLen {
		return string(out[:maxLen-2]) + ".."
	}
	return string(out)
}
