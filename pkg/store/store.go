// Package store is a single-file key-value store. Records live in one data
// file; freed ranges are tracked in memory and reused, and a purge merges
// adjacent free ranges and shrinks the file when its tail is free.
//
// Locking, outermost first:
//
//	resizeMu   shared by every operation, exclusive for Clear and Close
//	stripe     per-key mutex, held by Write, Remove and expiry drops
//	Location   per-slot reader/writer lock, held around slot I/O
//	freespace  internal to the free space index
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/spillstore/pkg/bytefile"
	"github.com/KevoDB/spillstore/pkg/codec"
	"github.com/KevoDB/spillstore/pkg/common/log"
	"github.com/KevoDB/spillstore/pkg/config"
	"github.com/KevoDB/spillstore/pkg/freespace"
	"github.com/KevoDB/spillstore/pkg/keyindex"
	"github.com/KevoDB/spillstore/pkg/stats"
	"github.com/KevoDB/spillstore/pkg/telemetry"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
)

const stripeCount = 256

// Entry is a key with its value, metadata and optional expiry.
type Entry struct {
	Key      []byte
	Value    []byte
	Metadata []byte
	// ExpiresAt is the expiry time; the zero value never expires
	ExpiresAt time.Time
}

func expiryNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func entryFromRecord(e codec.Entry) *Entry {
	out := &Entry{Key: e.Key, Value: e.Value, Metadata: e.Metadata}
	if e.Expiry > 0 {
		out.ExpiresAt = time.Unix(0, e.Expiry)
	}
	return out
}

// Store is the storage engine. It is safe for concurrent use.
type Store struct {
	cfg   *config.Config
	file  bytefile.File
	codec *codec.Codec
	keys  *keyindex.Index
	free  *freespace.Index

	resizeMu sync.RWMutex
	stripes  [stripeCount]sync.Mutex

	seq      atomic.Uint64
	entries  atomic.Int64
	unsynced atomic.Int64
	closed   atomic.Bool

	logger  log.Logger
	tel     telemetry.Telemetry
	metrics StoreMetrics
	stats   stats.Collector
	now     func() time.Time
}

// Open opens the store described by cfg, creating the data file if needed.
// An existing file is scanned to rebuild the indexes unless cfg.PurgeOnStartup
// is set, in which case its contents are discarded.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	snap := cfg.Snapshot()

	s := &Store{
		cfg: snap,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger().WithField("component", "store")
	}
	if s.tel == nil {
		s.tel = telemetry.NewNoop()
	}
	if s.stats == nil {
		s.stats = stats.NewAtomicCollector()
	}
	s.metrics = NewStoreMetrics(s.tel)

	compression, err := snap.CompressionMode()
	if err != nil {
		return nil, err
	}
	if s.codec, err = codec.New(compression); err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	if s.file == nil {
		f, err := bytefile.Open(snap.Path())
		if err != nil {
			s.codec.Close()
			return nil, fmt.Errorf("failed to open data file: %w", err)
		}
		s.file = f
	}

	if err := s.load(); err != nil {
		s.file.Close()
		s.codec.Close()
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"path":    s.file.Path(),
		"entries": s.keys.Len(),
		"size":    s.free.End(),
	}).Info("Opened store")
	return s, nil
}

func (s *Store) freeOptions() freespace.Options {
	return freespace.Options{
		Start:               codec.FileHeaderSize,
		End:                 codec.FileHeaderSize,
		MinRemainder:        s.cfg.MinRemainder,
		FragmentationFactor: s.cfg.FragmentationFactor,
	}
}

// load rebuilds the in-memory state from the data file
func (s *Store) load() error {
	length, err := s.file.Length()
	if err != nil {
		return err
	}

	if length > 0 && length < codec.FileHeaderSize {
		torn := make([]byte, length)
		if err := s.file.ReadAt(torn, 0); err != nil {
			return err
		}
		// the file header write was cut short before any record followed
		if bytes.HasPrefix(codec.EncodeFileHeader(), torn) {
			s.logger.Warn("Rewriting torn file header of %d bytes", length)
			length = 0
		}
	}

	if length == 0 || s.cfg.PurgeOnStartup {
		if length > 0 {
			s.logger.Info("Discarding %d bytes of existing data", length)
		}
		if err := s.file.Truncate(0); err != nil {
			return err
		}
		if err := s.file.WriteAt(codec.EncodeFileHeader(), 0); err != nil {
			return err
		}
		s.keys = keyindex.New(s.cfg.KeyIndexShards)
		s.free = freespace.New(s.freeOptions())
		return nil
	}

	start := s.stats.StartScan()
	res, err := Scan(s.file, ScanOptions{
		Now:    s.now(),
		Logger: s.logger,
		Shards: s.cfg.KeyIndexShards,
		Free:   s.freeOptions(),
	})
	if err != nil {
		return fmt.Errorf("failed to scan data file: %w", err)
	}

	for _, r := range res.Reclaimed {
		if err := s.markFree(r); err != nil {
			return fmt.Errorf("failed to reclaim %s: %w", r, err)
		}
	}
	if res.End < length {
		if err := s.file.Truncate(res.End); err != nil {
			return err
		}
	}
	if len(res.Reclaimed) > 0 || res.End < length {
		if err := s.file.Sync(); err != nil {
			return err
		}
	}

	s.keys = res.Keys
	s.free = res.Free
	s.seq.Store(res.MaxSeq)
	s.entries.Store(int64(res.Keys.Len()))

	s.stats.FinishScan(start, res.Stats)
	s.stats.TrackFileSize(uint64(res.End))
	s.metrics.RecordScan(context.Background(), time.Since(start), res.Stats)

	s.logger.WithFields(map[string]interface{}{
		"entries":    res.Stats.Entries,
		"free":       res.Stats.FreeRanges,
		"corrupt":    res.Stats.Corrupt,
		"expired":    res.Stats.Expired,
		"duplicates": res.Stats.Duplicates,
		"truncated":  res.Stats.TruncatedBytes,
	}).Info("Scanned data file in %s", time.Since(start))
	return nil
}

func (s *Store) stripe(key []byte) *sync.Mutex {
	return &s.stripes[xxhash.Sum64(key)%stripeCount]
}

func (s *Store) markFree(r freespace.Range) error {
	return s.file.WriteAt(codec.FreeMarker(r.Size), r.Offset)
}

func (s *Store) truncate(size int64) error {
	return s.file.Truncate(size)
}

// afterWrite applies the sync mode to n freshly written bytes
func (s *Store) afterWrite(n int) error {
	switch s.cfg.SyncMode {
	case config.SyncImmediate:
		return s.sync()
	case config.SyncBatch:
		if s.unsynced.Add(int64(n)) >= s.cfg.SyncBytes {
			s.unsynced.Store(0)
			return s.sync()
		}
	}
	return nil
}

func (s *Store) sync() error {
	start := time.Now()
	err := s.file.Sync()
	s.stats.TrackOperationWithLatency(stats.OpSync, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.stats.TrackError("sync_error")
	}
	return err
}

// releaseLocation frees a slot the key index no longer exposes. It waits for
// readers that pinned the slot, marks it free on disk and only then makes it
// allocatable. If the marker cannot be written the slot is left out of the
// free index; the next scan resolves it.
func (s *Store) releaseLocation(loc *keyindex.Location) error {
	loc.Lock()
	loc.MarkFreed()
	rng := freespace.Range{Offset: loc.Offset, Size: loc.Size}
	err := s.markFree(rng)
	loc.Unlock()

	if err != nil {
		return fmt.Errorf("failed to mark %s free: %w", rng, err)
	}
	return s.free.Release(rng)
}

// Write stores e, replacing any previous entry for its key.
//
// A failed write into a new slot leaves the previous entry in place. A
// failed overwrite of the key's current slot may have torn the old record,
// so the key is removed instead and a later Load reports it absent.
func (s *Store) Write(ctx context.Context, e Entry) error {
	if len(e.Key) == 0 {
		return ErrEmptyKey
	}

	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "spillstore.store.write",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
	defer span.End()

	kind, n, err := s.write(e)

	s.stats.TrackOperationWithLatency(stats.OpWrite, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.stats.TrackError("write_error")
		span.RecordError(err)
	} else {
		s.stats.TrackBytes(true, uint64(n))
	}
	s.metrics.RecordWrite(ctx, time.Since(start), kind.String(), int64(n), err)
	return err
}

func (s *Store) write(e Entry) (slotKind, int, error) {
	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()

	if s.closed.Load() {
		return 0, 0, ErrStoreClosed
	}

	mu := s.stripe(e.Key)
	mu.Lock()
	defer mu.Unlock()

	seq := s.seq.Add(1)
	rec, err := s.codec.Prepare(codec.Entry{
		Key:      e.Key,
		Value:    e.Value,
		Metadata: e.Metadata,
		Expiry:   expiryNanos(e.ExpiresAt),
		Seq:      seq,
	})
	if err != nil {
		if errors.Is(err, codec.ErrRecordTooLarge) {
			return 0, 0, fmt.Errorf("%w: %v", ErrEntryTooLarge, err)
		}
		return 0, 0, err
	}

	cur, exists := s.keys.Get(e.Key)
	if !exists {
		if n := s.entries.Add(1); s.cfg.MaxEntries > 0 && n > s.cfg.MaxEntries {
			s.entries.Add(-1)
			return 0, 0, ErrStoreFull
		}
	}

	sl := chooseSlot(rec.Len(), cur, s.free)
	if sl.kind == slotReuse {
		err = s.writeInPlace(e.Key, cur, rec, seq, sl)
	} else {
		err = s.writeFresh(e.Key, rec, seq, sl)
	}
	if err != nil && !exists {
		s.entries.Add(-1)
	}
	return sl.kind, int(rec.Len()), err
}

// encodeSlot renders the record followed by a free marker for the split-off
// remainder, if any, so both land with one write
func encodeSlot(rec *codec.Record, sl slot) []byte {
	buf := make([]byte, 0, int(rec.Len())+codec.FreeMarkerSize)
	buf = rec.AppendTo(buf, sl.rng.Size)
	if sl.remainder.Size > 0 {
		buf = append(buf, codec.FreeMarker(sl.remainder.Size)...)
	}
	return buf
}

// writeInPlace overwrites the key's current slot. Readers are held off by
// the location lock for the duration of the write.
func (s *Store) writeInPlace(key []byte, cur *keyindex.Location, rec *codec.Record, seq uint64, sl slot) error {
	buf := encodeSlot(rec, sl)

	cur.Lock()
	err := s.file.WriteAt(buf, sl.rng.Offset)
	if err == nil {
		err = s.afterWrite(len(buf))
	}
	if err != nil {
		// the old record may be torn; the key is dropped rather than
		// served from bytes that no longer match what was indexed
		s.keys.RemoveIf(key, cur)
		s.entries.Add(-1)
		cur.MarkFreed()
		whole := freespace.Range{Offset: cur.Offset, Size: cur.Size}
		merr := s.markFree(whole)
		cur.Unlock()

		s.logger.Error("In-place write at %d failed, dropped key: %v", whole.Offset, err)
		if merr == nil {
			if rerr := s.free.Release(whole); rerr != nil {
				s.logger.Warn("Failed to release slot %s: %v", whole, rerr)
			}
		}
		return err
	}
	cur.Size = sl.rng.Size
	cur.Used = rec.Len()
	cur.Expiry = rec.Expiry()
	cur.Seq = seq
	cur.Unlock()

	if sl.remainder.Size > 0 {
		if err := s.free.Release(sl.remainder); err != nil {
			s.logger.Warn("Failed to release slot tail %s: %v", sl.remainder, err)
		}
	}
	return nil
}

// writeFresh writes to a range the key does not occupy yet, then swaps the
// index and frees the previous slot.
func (s *Store) writeFresh(key []byte, rec *codec.Record, seq uint64, sl slot) error {
	buf := encodeSlot(rec, sl)

	err := s.file.WriteAt(buf, sl.rng.Offset)
	if err == nil {
		err = s.afterWrite(len(buf))
	}
	if err != nil {
		whole := freespace.Range{Offset: sl.rng.Offset, Size: sl.rng.Size + sl.remainder.Size}
		if merr := s.markFree(whole); merr != nil {
			s.logger.Error("Failed to mark abandoned range %s free: %v", whole, merr)
		}
		if rerr := s.free.Release(whole); rerr != nil {
			s.logger.Warn("Failed to release abandoned range %s: %v", whole, rerr)
		}
		return err
	}

	loc := keyindex.NewLocation(sl.rng.Offset, sl.rng.Size, rec.Len(), rec.Expiry(), seq)
	if sl.remainder.Size > 0 {
		if err := s.free.Release(sl.remainder); err != nil {
			s.logger.Warn("Failed to release split remainder %s: %v", sl.remainder, err)
		}
	}

	old, replaced := s.keys.Put(key, loc)
	if replaced {
		if err := s.releaseLocation(old); err != nil {
			s.stats.TrackError("release_error")
			s.logger.Error("Previous slot of key left in place: %v", err)
		}
	}
	s.stats.TrackFileSize(uint64(s.free.End()))
	return nil
}

// Load returns the entry stored under key, or nil if there is none or it
// has expired.
func (s *Store) Load(ctx context.Context, key []byte) (*Entry, error) {
	start := time.Now()

	entry, err := s.read(key, true, true)

	s.stats.TrackOperationWithLatency(stats.OpLoad, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		if isCorrupt(err) {
			s.stats.TrackError("corrupt_record")
		} else {
			s.stats.TrackError("load_error")
		}
	}
	s.metrics.RecordLoad(ctx, time.Since(start), entry != nil, err)

	if err != nil || entry == nil {
		return nil, err
	}
	return entryFromRecord(*entry), nil
}

// read resolves key and decodes its record. A location freed between the
// lookup and the pin is resolved again.
func (s *Store) read(key []byte, withValue, withMetadata bool) (*codec.Entry, error) {
	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()

	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	now := s.now().UnixNano()
	for {
		loc, ok := s.keys.Get(key)
		if !ok {
			return nil, nil
		}
		if !loc.AcquireRead() {
			continue
		}
		if loc.Expired(now) {
			loc.ReleaseRead()
			return nil, nil
		}

		buf := make([]byte, loc.Used)
		offset := loc.Offset
		err := s.file.ReadAt(buf, offset)
		loc.ReleaseRead()
		if err != nil {
			return nil, err
		}
		s.stats.TrackBytes(false, uint64(len(buf)))

		e, err := s.codec.Decode(buf, withValue, withMetadata)
		if err != nil {
			return nil, codec.AtOffset(err, offset)
		}
		return &e, nil
	}
}

// Remove deletes key. It reports whether a live entry was removed.
func (s *Store) Remove(ctx context.Context, key []byte) (bool, error) {
	start := time.Now()

	found, err := s.remove(key)

	s.stats.TrackOperationWithLatency(stats.OpRemove, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.stats.TrackError("remove_error")
	}
	s.metrics.RecordRemove(ctx, time.Since(start), found, err)
	return found, err
}

func (s *Store) remove(key []byte) (bool, error) {
	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()

	if s.closed.Load() {
		return false, ErrStoreClosed
	}

	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	loc, ok := s.keys.Remove(key)
	if !ok {
		return false, nil
	}
	s.entries.Add(-1)

	// stripe lock held: nobody else writes the location fields
	live := !loc.Expired(s.now().UnixNano())
	return live, s.releaseLocation(loc)
}

// Clear removes every entry and shrinks the file to its header. The file is
// truncated before the logical size is lowered.
func (s *Store) Clear(ctx context.Context) error {
	start := time.Now()

	s.resizeMu.Lock()
	err := s.clear()
	s.resizeMu.Unlock()

	s.stats.TrackOperationWithLatency(stats.OpClear, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.stats.TrackError("clear_error")
		s.logger.Error("Failed to clear store: %v", err)
	} else {
		s.stats.TrackFileSize(uint64(s.free.End()))
	}
	s.metrics.RecordClear(ctx, time.Since(start), err)
	return err
}

func (s *Store) clear() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	// exclusive: no reader or writer is in flight
	s.keys.Clear()
	s.entries.Store(0)
	s.unsynced.Store(0)

	return s.free.Reset(s.truncate)
}

// Size returns the number of keys in the store, expired ones included until
// a purge drops them.
func (s *Store) Size() int {
	return s.keys.Len()
}

// FileSize returns the logical file size. The physical file is never larger.
func (s *Store) FileSize() int64 {
	return s.free.End()
}

// Path returns the data file path
func (s *Store) Path() string {
	return s.file.Path()
}

// Sync flushes written data to stable storage
func (s *Store) Sync() error {
	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()

	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.unsynced.Store(0)
	return s.sync()
}

// Stats returns operation counters together with current space figures
func (s *Store) Stats() map[string]interface{} {
	out := s.stats.GetStats()
	out["entries"] = s.keys.Len()
	out["file_size"] = s.free.End()
	out["free_ranges"] = s.free.Len()
	out["free_bytes"] = s.free.FreeBytes()
	return out
}

// Close flushes and closes the data file. Operations in flight complete
// first; later ones fail with ErrStoreClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()

	var errs []error
	if s.cfg.SyncMode != config.SyncNone {
		if err := s.file.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.codec.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.metrics.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Closed store")
	return errors.Join(errs...)
}
