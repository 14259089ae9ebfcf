package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/spillstore/pkg/executor"
	"github.com/KevoDB/spillstore/pkg/keyindex"
	"github.com/KevoDB/spillstore/pkg/stats"
	"github.com/KevoDB/spillstore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// PurgeListener is notified about entries a purge drops
type PurgeListener interface {
	EntryPurged(key []byte)
}

// PurgeListenerFunc adapts a function to PurgeListener
type PurgeListenerFunc func(key []byte)

// EntryPurged implements PurgeListener
func (f PurgeListenerFunc) EntryPurged(key []byte) {
	f(key)
}

// PurgeResult summarizes one purge pass
type PurgeResult struct {
	// Expired is the number of expired entries dropped
	Expired int
	// Merges is the number of free range merges
	Merges int
	// Trimmed is the number of bytes cut from the end of the file
	Trimmed int64
	// FileSize is the logical file size after the pass
	FileSize int64
}

// PurgeTask is a purge running on an executor
type PurgeTask struct {
	done   chan struct{}
	result PurgeResult
	err    error
}

// Done is closed when the purge has finished
func (t *PurgeTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the purge error. Only valid once Done is closed.
func (t *PurgeTask) Err() error {
	return t.err
}

// Result returns what the purge did. Only valid once Done is closed.
func (t *PurgeTask) Result() PurgeResult {
	return t.result
}

// Wait blocks until the purge finishes or ctx is done
func (t *PurgeTask) Wait(ctx context.Context) (PurgeResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return PurgeResult{}, ctx.Err()
	}
}

// Purge submits a purge pass to exec and returns immediately. Shutting the
// executor down cancels the pass between steps; whatever steps completed
// stay applied.
func (s *Store) Purge(exec executor.Executor, listener PurgeListener) (*PurgeTask, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	task := &PurgeTask{done: make(chan struct{})}
	err := exec.Submit(func(ctx context.Context) {
		defer close(task.done)
		task.result, task.err = s.RunPurge(ctx, listener)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule purge: %w", err)
	}
	return task, nil
}

// RunPurge drops expired entries, merges adjacent free ranges and truncates
// free space at the end of the file. Every step is a short critical section,
// so writers and readers keep going while it runs.
func (s *Store) RunPurge(ctx context.Context, listener PurgeListener) (PurgeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "spillstore.store.purge",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
	defer span.End()

	result, err := s.purge(ctx, listener)
	result.FileSize = s.free.End()

	s.stats.TrackOperationWithLatency(stats.OpPurge, uint64(time.Since(start).Nanoseconds()))
	s.stats.TrackPurge(uint64(result.Expired), uint64(result.Merges), uint64(result.Trimmed))
	s.stats.TrackFileSize(uint64(result.FileSize))
	s.metrics.RecordPurge(ctx, time.Since(start), result, err)
	s.metrics.RecordFileSize(ctx, result.FileSize)

	fields := map[string]interface{}{
		"expired": result.Expired,
		"merges":  result.Merges,
		"trimmed": result.Trimmed,
		"size":    result.FileSize,
	}
	if err != nil {
		span.RecordError(err)
		s.stats.TrackError("purge_error")
		s.logger.WithFields(fields).Error("Purge stopped: %v", err)
		return result, err
	}
	s.logger.WithFields(fields).Debug("Purge finished in %s", time.Since(start))
	return result, nil
}

func (s *Store) purge(ctx context.Context, listener PurgeListener) (PurgeResult, error) {
	var result PurgeResult
	if s.closed.Load() {
		return result, ErrStoreClosed
	}

	expired, err := s.dropExpired(ctx, listener)
	result.Expired = expired
	if err != nil {
		return result, err
	}

	merges, err := s.free.Coalesce(ctx, s.markFree)
	result.Merges = merges
	if err != nil {
		return result, fmt.Errorf("coalesce: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	trimmed, err := s.free.TrimTail(s.truncate)
	result.Trimmed = trimmed
	if err != nil {
		return result, fmt.Errorf("trim tail: %w", err)
	}
	return result, nil
}

// dropExpired removes expired entries one key at a time
func (s *Store) dropExpired(ctx context.Context, listener PurgeListener) (int, error) {
	now := s.now().UnixNano()

	// slots busy with a writer are skipped; they are being rewritten
	var candidates [][]byte
	s.keys.Range(func(key string, loc *keyindex.Location) bool {
		if !loc.TryAcquireRead() {
			return true
		}
		if loc.Expired(now) {
			candidates = append(candidates, []byte(key))
		}
		loc.ReleaseRead()
		return true
	})

	dropped := 0
	var errs []error
	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}

		ok, err := s.dropIfExpired(key, now)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			dropped++
			if listener != nil {
				listener.EntryPurged(key)
			}
		}
	}
	return dropped, errors.Join(errs...)
}

func (s *Store) dropIfExpired(key []byte, now int64) (bool, error) {
	s.resizeMu.RLock()
	defer s.resizeMu.RUnlock()

	if s.closed.Load() {
		return false, ErrStoreClosed
	}

	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// the key may have been rewritten since it was picked
	loc, ok := s.keys.Get(key)
	if !ok || !loc.Expired(now) {
		return false, nil
	}
	if !s.keys.RemoveIf(key, loc) {
		return false, nil
	}
	s.entries.Add(-1)

	if err := s.releaseLocation(loc); err != nil {
		// the key is gone from the index either way
		return true, err
	}
	return true, nil
}
