package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

const (
	OpWrite   OperationType = "write"
	OpLoad    OperationType = "load"
	OpRemove  OperationType = "remove"
	OpClear   OperationType = "clear"
	OpPurge   OperationType = "purge"
	OpProcess OperationType = "process"
	OpSync    OperationType = "sync"
)

// AtomicCollector collects statistics with atomics; its mutexes are only
// taken to register a new operation or error type.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	fileSize          atomic.Uint64
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	purgeExpired atomic.Uint64
	purgeMerges  atomic.Uint64
	purgeTrimmed atomic.Uint64

	scan scanStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

type scanStats struct {
	entries    atomic.Uint64
	freeRanges atomic.Uint64
	corrupt    atomic.Uint64
	expired    atomic.Uint64
	duplicates atomic.Uint64
	truncated  atomic.Uint64
	duration   atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)
	c.getOrCreateLatencyTracker(op).observe(latencyNs)
}

func (c *AtomicCollector) touch(op OperationType) {
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

func (t *LatencyTracker) observe(ns uint64) {
	t.count.Add(1)
	t.sum.Add(ns)

	for {
		cur := t.max.Load()
		if ns <= cur || t.max.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := t.min.Load()
		if (cur != 0 && ns >= cur) || t.min.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackFileSize records the current logical file size
func (c *AtomicCollector) TrackFileSize(size uint64) {
	c.fileSize.Store(size)
}

// TrackPurge accumulates the outcome of a purge pass
func (c *AtomicCollector) TrackPurge(expired, merges, bytesTrimmed uint64) {
	c.purgeExpired.Add(expired)
	c.purgeMerges.Add(merges)
	c.purgeTrimmed.Add(bytesTrimmed)
}

// StartScan resets scan statistics and returns the start time
func (c *AtomicCollector) StartScan() time.Time {
	c.scan.entries.Store(0)
	c.scan.freeRanges.Store(0)
	c.scan.corrupt.Store(0)
	c.scan.expired.Store(0)
	c.scan.duplicates.Store(0)
	c.scan.truncated.Store(0)
	c.scan.duration.Store(0)

	return time.Now()
}

// FinishScan records the outcome of a startup scan
func (c *AtomicCollector) FinishScan(startTime time.Time, result ScanResult) {
	c.scan.entries.Store(result.Entries)
	c.scan.freeRanges.Store(result.FreeRanges)
	c.scan.corrupt.Store(result.Corrupt)
	c.scan.expired.Store(result.Expired)
	c.scan.duplicates.Store(result.Duplicates)
	c.scan.truncated.Store(result.TruncatedBytes)
	c.scan.duration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["file_size"] = c.fileSize.Load()
	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	stats["purge"] = map[string]interface{}{
		"expired_dropped": c.purgeExpired.Load(),
		"ranges_merged":   c.purgeMerges.Load(),
		"bytes_trimmed":   c.purgeTrimmed.Load(),
	}

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64, len(c.errors))
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	scan := map[string]interface{}{
		"entries":         c.scan.entries.Load(),
		"free_ranges":     c.scan.freeRanges.Load(),
		"corrupt_records": c.scan.corrupt.Load(),
		"expired":         c.scan.expired.Load(),
		"duplicates":      c.scan.duplicates.Load(),
		"truncated_bytes": c.scan.truncated.Load(),
	}
	if d := c.scan.duration.Load(); d > 0 {
		scan["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["scan"] = scan

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics whose key starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
