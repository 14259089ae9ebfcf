package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/KevoDB/spillstore/pkg/config"
	"github.com/KevoDB/spillstore/pkg/executor"
	"github.com/KevoDB/spillstore/pkg/maintenance"
	"github.com/KevoDB/spillstore/pkg/store"
	"github.com/KevoDB/spillstore/pkg/telemetry"
)

// session is an open store together with its background machinery
type session struct {
	cfg       *config.Config
	tel       telemetry.Telemetry
	watchPath string

	mu      sync.Mutex
	dataDir string
	store   *store.Store
	coord   *maintenance.Coordinator
	pool    *executor.Pool
}

func newSession(cfg *config.Config, tel telemetry.Telemetry) *session {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &session{cfg: cfg, tel: tel}
}

// open closes the current store, if any, and opens the one in dir
func (s *session) open(dir string) error {
	if err := s.close(); err != nil {
		return err
	}

	cfg := s.cfg.Snapshot()
	saved, err := config.LoadConfigFromManifest(dir)
	switch {
	case err == nil:
		// the data file name is fixed when the store is created
		cfg.Update(func(c *config.Config) { c.FileName = saved.FileName })
	case !errors.Is(err, config.ErrManifestNotFound):
		return err
	}
	cfg.Update(func(c *config.Config) { c.Location = dir })

	st, err := store.Open(cfg, store.WithTelemetry(s.tel))
	if err != nil {
		return err
	}
	if err := cfg.SaveManifest(dir); err != nil {
		st.Close()
		return err
	}

	coord := maintenance.NewCoordinator(st, maintenance.CoordinatorOptions{
		Interval: time.Duration(cfg.PurgeInterval) * time.Second,
	})
	if err := coord.Start(); err != nil {
		st.Close()
		return err
	}
	if s.watchPath != "" {
		if err := coord.WatchConfig(s.watchPath); err != nil {
			coord.Stop()
			st.Close()
			return err
		}
	}

	s.mu.Lock()
	s.dataDir = dir
	s.store = st
	s.coord = coord
	s.pool = executor.NewPool(cfg.ProcessParallelism)
	s.mu.Unlock()
	return nil
}

// close stops background work and closes the store. It is safe to call
// when nothing is open.
func (s *session) close() error {
	s.mu.Lock()
	st, coord, pool := s.store, s.coord, s.pool
	s.store, s.coord, s.pool = nil, nil, nil
	s.dataDir = ""
	s.mu.Unlock()

	if st == nil {
		return nil
	}

	var errs []error
	if err := coord.Stop(); err != nil {
		errs = append(errs, err)
	}
	pool.Shutdown()
	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *session) current() (*store.Store, *maintenance.Coordinator, *executor.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store, s.coord, s.pool
}

// execute runs one command line and reports whether the user asked to exit
func (s *session) execute(ctx context.Context, line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return s.executeDot(strings.ToLower(cmd), parts, out)
	}

	st, coord, pool := s.current()
	if st == nil {
		fmt.Fprintln(out, "Error: No store open")
		return false
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			fmt.Fprintln(out, "Error: PUT requires key and value arguments")
			return false
		}
		err := st.Write(ctx, store.Entry{Key: []byte(parts[1]), Value: []byte(strings.Join(parts[2:], " "))})
		if err != nil {
			fmt.Fprintf(out, "Error storing value: %s\n", err)
			return false
		}
		fmt.Fprintln(out, "Value stored")

	case "PUTEX":
		if len(parts) < 4 {
			fmt.Fprintln(out, "Error: PUTEX requires key, ttl and value arguments")
			return false
		}
		ttl, err := time.ParseDuration(parts[2])
		if err != nil || ttl <= 0 {
			fmt.Fprintf(out, "Error: invalid ttl %q\n", parts[2])
			return false
		}
		err = st.Write(ctx, store.Entry{
			Key:       []byte(parts[1]),
			Value:     []byte(strings.Join(parts[3:], " ")),
			ExpiresAt: time.Now().Add(ttl),
		})
		if err != nil {
			fmt.Fprintf(out, "Error storing value: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Value stored, expires in %s\n", ttl)

	case "GET":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: GET requires a key argument")
			return false
		}
		e, err := st.Load(ctx, []byte(parts[1]))
		switch {
		case err != nil:
			fmt.Fprintf(out, "Error getting value: %s\n", err)
		case e == nil:
			fmt.Fprintln(out, "Key not found")
		default:
			fmt.Fprintf(out, "%s\n", e.Value)
		}

	case "DELETE":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: DELETE requires a key argument")
			return false
		}
		found, err := st.Remove(ctx, []byte(parts[1]))
		switch {
		case err != nil:
			fmt.Fprintf(out, "Error deleting key: %s\n", err)
		case !found:
			fmt.Fprintln(out, "Key not found")
		default:
			fmt.Fprintln(out, "Key deleted")
		}

	case "KEYS", "SCAN":
		var prefix []byte
		if len(parts) > 1 {
			prefix = []byte(parts[1])
		}
		s.list(ctx, st, pool, prefix, cmd == "SCAN", out)

	case "SIZE":
		fmt.Fprintf(out, "%d entries, %d bytes\n", st.Size(), st.FileSize())

	case "PURGE":
		result, err := coord.TriggerPurge(ctx)
		if err != nil {
			fmt.Fprintf(out, "Error purging: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Purged %d expired entries, merged %d ranges, trimmed %d bytes (file is %d bytes)\n",
			result.Expired, result.Merges, result.Trimmed, result.FileSize)

	case "CLEAR":
		if err := st.Clear(ctx); err != nil {
			fmt.Fprintf(out, "Error clearing store: %s\n", err)
			return false
		}
		fmt.Fprintln(out, "Store cleared")

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
	}
	return false
}

func (s *session) executeDot(cmd string, parts []string, out io.Writer) bool {
	switch cmd {
	case ".help":
		fmt.Fprint(out, helpText)

	case ".open":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Error: Missing directory argument")
			return false
		}
		if err := s.open(parts[1]); err != nil {
			fmt.Fprintf(out, "Error opening store: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Store opened in %s\n", parts[1])

	case ".close":
		s.mu.Lock()
		dir := s.dataDir
		s.mu.Unlock()
		if dir == "" {
			fmt.Fprintln(out, "No store open")
			return false
		}
		if err := s.close(); err != nil {
			fmt.Fprintf(out, "Error closing store: %s\n", err)
			return false
		}
		fmt.Fprintf(out, "Store %s closed\n", dir)

	case ".exit":
		if err := s.close(); err != nil {
			fmt.Fprintf(out, "Error closing store: %s\n", err)
		}
		return true

	case ".sync":
		st, _, _ := s.current()
		if st == nil {
			fmt.Fprintln(out, "No store open")
			return false
		}
		if err := st.Sync(); err != nil {
			fmt.Fprintf(out, "Error syncing: %s\n", err)
			return false
		}
		fmt.Fprintln(out, "Synced")

	case ".stats":
		st, coord, _ := s.current()
		if st == nil {
			fmt.Fprintln(out, "No store open")
			return false
		}
		printStats(out, st.Stats(), coord.GetStats())

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", cmd)
	}
	return false
}

// list prints the keys, or pairs with withValues, that start with prefix
func (s *session) list(ctx context.Context, st *store.Store, pool *executor.Pool, prefix []byte, withValues bool, out io.Writer) {
	var (
		mu      sync.Mutex
		entries []store.Entry
	)
	filter := func(key []byte) bool {
		return bytes.HasPrefix(key, prefix)
	}
	err := st.Process(ctx, filter, func(e *store.Entry, tc *store.TaskContext) error {
		mu.Lock()
		entries = append(entries, *e)
		mu.Unlock()
		return nil
	}, pool, withValues, false)
	if err != nil {
		fmt.Fprintf(out, "Error listing entries: %s\n", err)
		return
	}

	slices.SortFunc(entries, func(a, b store.Entry) int {
		return bytes.Compare(a.Key, b.Key)
	})
	for _, e := range entries {
		if withValues {
			fmt.Fprintf(out, "%s: %s\n", e.Key, e.Value)
		} else {
			fmt.Fprintf(out, "%s\n", e.Key)
		}
	}
	fmt.Fprintf(out, "%d entries found\n", len(entries))
}

// printStats renders store and purge statistics
func printStats(out io.Writer, stats, purge map[string]interface{}) {
	getUint64 := func(m map[string]interface{}, key string) uint64 {
		switch v := m[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		default:
			return 0
		}
	}

	fmt.Fprintln(out, "📊 Operations:")
	for _, op := range []string{"write", "load", "remove", "clear", "purge", "process"} {
		line := fmt.Sprintf("  • %s: %d", op, getUint64(stats, op+"_ops"))
		if latency, ok := stats[op+"_latency"].(map[string]interface{}); ok {
			if avg, ok := latency["avg_ns"].(uint64); ok {
				line += fmt.Sprintf(" (avg %.3f ms)", float64(avg)/1e6)
			}
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out, "\n💾 Storage:")
	fmt.Fprintf(out, "  • Entries: %d\n", getUint64(stats, "entries"))
	fmt.Fprintf(out, "  • File Size: %d bytes\n", getUint64(stats, "file_size"))
	fmt.Fprintf(out, "  • Free Ranges: %d (%d bytes)\n", getUint64(stats, "free_ranges"), getUint64(stats, "free_bytes"))
	fmt.Fprintf(out, "  • Bytes Read: %d\n", getUint64(stats, "total_bytes_read"))
	fmt.Fprintf(out, "  • Bytes Written: %d\n", getUint64(stats, "total_bytes_written"))

	if scan, ok := stats["scan"].(map[string]interface{}); ok {
		fmt.Fprintln(out, "\n🔄 Startup Scan:")
		fmt.Fprintf(out, "  • Entries: %d\n", getUint64(scan, "entries"))
		fmt.Fprintf(out, "  • Corrupt Records: %d\n", getUint64(scan, "corrupt_records"))
		fmt.Fprintf(out, "  • Expired: %d\n", getUint64(scan, "expired"))
		fmt.Fprintf(out, "  • Truncated Bytes: %d\n", getUint64(scan, "truncated_bytes"))
	}

	fmt.Fprintln(out, "\n🧹 Purge:")
	fmt.Fprintf(out, "  • Runs: %d (failed: %d)\n", getUint64(purge, "runs"), getUint64(purge, "failures"))
	fmt.Fprintf(out, "  • Interval: %d ms\n", getUint64(purge, "interval_ms"))
	if totals, ok := stats["purge"].(map[string]interface{}); ok {
		fmt.Fprintf(out, "  • Expired Dropped: %d\n", getUint64(totals, "expired_dropped"))
		fmt.Fprintf(out, "  • Ranges Merged: %d\n", getUint64(totals, "ranges_merged"))
		fmt.Fprintf(out, "  • Bytes Trimmed: %d\n", getUint64(totals, "bytes_trimmed"))
	}
	if msg, ok := purge["last_error"].(string); ok {
		fmt.Fprintf(out, "  • Last Error: %s\n", msg)
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		fmt.Fprintln(out, "\n⚠️ Errors:")
		keys := make([]string, 0, len(errs))
		for k := range errs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  • %s: %d\n", k, errs[k])
		}
	}
}
