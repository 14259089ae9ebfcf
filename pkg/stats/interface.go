package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector records store activity
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackFileSize records the current logical file size
	TrackFileSize(size uint64)

	// TrackPurge records the outcome of one purge pass
	TrackPurge(expired, merges uint64, bytesTrimmed uint64)

	// StartScan begins timing a startup scan
	StartScan() time.Time

	// FinishScan records the outcome of a startup scan
	FinishScan(startTime time.Time, result ScanResult)
}

// ScanResult summarizes a startup scan
type ScanResult struct {
	Entries    uint64
	FreeRanges uint64
	Corrupt    uint64
	Expired    uint64
	Duplicates uint64
	// TruncatedBytes is the unreadable tail dropped from the file
	TruncatedBytes uint64
}

var _ Collector = (*AtomicCollector)(nil)
