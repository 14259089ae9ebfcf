package store

import (
	"time"

	"github.com/KevoDB/spillstore/pkg/bytefile"
	"github.com/KevoDB/spillstore/pkg/common/log"
	"github.com/KevoDB/spillstore/pkg/stats"
	"github.com/KevoDB/spillstore/pkg/telemetry"
)

// Option configures a Store at Open
type Option func(*Store)

// WithLogger sets the logger the store writes to
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTelemetry enables metrics and spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Store) {
		s.tel = tel
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(s *Store) {
		s.stats = collector
	}
}

// WithFile makes the store use an already opened file instead of the
// configured path. The store takes ownership and closes it.
func WithFile(file bytefile.File) Option {
	return func(s *Store) {
		s.file = file
	}
}

// WithClock replaces the time source used for expiry
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}
