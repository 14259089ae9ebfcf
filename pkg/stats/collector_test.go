package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpLoad)

	stats := collector.GetStats()

	if stats["write_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 write operations, got %v", stats["write_ops"])
	}

	if stats["load_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 load operation, got %v", stats["load_ops"])
	}

	if _, exists := stats["last_write_time"]; !exists {
		t.Errorf("Expected last_write_time to exist in stats")
	}

	if _, exists := stats["last_remove_time"]; exists {
		t.Errorf("Did not expect last_remove_time before any remove")
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpLoad, 100)
	collector.TrackOperationWithLatency(OpLoad, 200)
	collector.TrackOperationWithLatency(OpLoad, 300)

	stats := collector.GetStats()

	latencyStats, ok := stats["load_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected load_latency to be a map, got %T", stats["load_latency"])
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}

	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}

	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}

	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 999

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpWrite)
				case 1:
					collector.TrackOperation(OpLoad)
				case 2:
					collector.TrackOperationWithLatency(OpRemove, uint64(j))
				}
			}
		}()
	}

	wg.Wait()

	stats := collector.GetStats()
	expected := uint64(numGoroutines * opsPerGoroutine / 3)

	for _, key := range []string{"write_ops", "load_ops", "remove_ops"} {
		if ops := stats[key].(uint64); ops != expected {
			t.Errorf("Expected %d for %s, got %d", expected, key, ops)
		}
	}

	latency := stats["remove_latency"].(map[string]interface{})
	if latency["count"].(uint64) != expected {
		t.Errorf("Expected %d latency samples, got %v", expected, latency["count"])
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpWrite)
	collector.TrackOperation(OpLoad)
	collector.TrackOperation(OpLoad)
	collector.TrackOperation(OpRemove)
	collector.TrackError("io_error")

	loadStats := collector.GetStatsFiltered("load")

	if _, exists := loadStats["load_ops"]; !exists {
		t.Errorf("Expected load_ops in filtered stats")
	}

	for key := range loadStats {
		if key != "load_ops" {
			t.Errorf("Unexpected key %s in load-filtered stats", key)
		}
	}

	errStats := collector.GetStatsFiltered("errors")
	errors, ok := errStats["errors"].(map[string]uint64)
	if !ok || errors["io_error"] != 1 {
		t.Errorf("Expected io_error count of 1, got %v", errStats["errors"])
	}
}

func TestCollector_TrackBytes(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 1000)
	collector.TrackBytes(false, 500)
	collector.TrackBytes(true, 24)

	stats := collector.GetStats()

	if written := stats["total_bytes_written"].(uint64); written != 1024 {
		t.Errorf("Expected 1024 bytes written, got %v", written)
	}

	if read := stats["total_bytes_read"].(uint64); read != 500 {
		t.Errorf("Expected 500 bytes read, got %v", read)
	}
}

func TestCollector_FileSizeAndPurge(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackFileSize(4096)
	collector.TrackFileSize(2048)
	collector.TrackPurge(3, 2, 512)
	collector.TrackPurge(1, 0, 0)

	stats := collector.GetStats()

	if size := stats["file_size"].(uint64); size != 2048 {
		t.Errorf("Expected file size 2048, got %v", size)
	}

	purge := stats["purge"].(map[string]interface{})
	if purge["expired_dropped"].(uint64) != 4 {
		t.Errorf("Expected 4 expired entries, got %v", purge["expired_dropped"])
	}
	if purge["ranges_merged"].(uint64) != 2 {
		t.Errorf("Expected 2 merges, got %v", purge["ranges_merged"])
	}
	if purge["bytes_trimmed"].(uint64) != 512 {
		t.Errorf("Expected 512 bytes trimmed, got %v", purge["bytes_trimmed"])
	}
}

func TestCollector_ScanStats(t *testing.T) {
	collector := NewAtomicCollector()

	start := collector.StartScan()
	time.Sleep(2 * time.Millisecond)
	collector.FinishScan(start, ScanResult{
		Entries:        10,
		FreeRanges:     3,
		Corrupt:        1,
		Expired:        2,
		Duplicates:     1,
		TruncatedBytes: 17,
	})

	scan := collector.GetStats()["scan"].(map[string]interface{})

	checks := map[string]uint64{
		"entries":         10,
		"free_ranges":     3,
		"corrupt_records": 1,
		"expired":         2,
		"duplicates":      1,
		"truncated_bytes": 17,
	}
	for key, want := range checks {
		if got := scan[key].(uint64); got != want {
			t.Errorf("Expected %s = %d, got %d", key, want, got)
		}
	}

	if _, ok := scan["duration_ms"]; !ok {
		t.Errorf("Expected duration_ms after a finished scan")
	}

	// a new scan resets the previous outcome
	collector.StartScan()
	scan = collector.GetStats()["scan"].(map[string]interface{})
	if scan["entries"].(uint64) != 0 {
		t.Errorf("Expected entries to reset, got %v", scan["entries"])
	}
	if _, ok := scan["duration_ms"]; ok {
		t.Errorf("Expected no duration while a scan is running")
	}
}
