package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/spillstore/pkg/executor"
	"github.com/KevoDB/spillstore/pkg/stats"
	"github.com/KevoDB/spillstore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// KeyFilter selects the keys a traversal visits. A nil filter accepts all.
type KeyFilter func(key []byte) bool

// Action is invoked once per visited entry. Only Key is set when neither
// values nor metadata were requested.
type Action func(e *Entry, tc *TaskContext) error

// TaskContext is shared by every action of one traversal.
type TaskContext struct {
	stopped atomic.Bool
}

// Stop ends the traversal. Actions already running finish; no new entries
// are visited.
func (tc *TaskContext) Stop() {
	tc.stopped.Store(true)
}

// Stopped reports whether Stop has been called
func (tc *TaskContext) Stopped() bool {
	return tc.stopped.Load()
}

// Process runs action over the live keys accepted by filter. Keys are
// snapshotted up front and handed to exec in batches; at most
// ProcessParallelism batches are in flight. With fetchValue and
// fetchMetadata both false no record is read from disk.
//
// Failures of individual actions do not stop the traversal. They are
// returned together as an *AggregateError once all batches have finished,
// joined with the interruption error if the traversal was also cut short.
func (s *Store) Process(ctx context.Context, filter KeyFilter, action Action, exec executor.Executor, fetchValue, fetchMetadata bool) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "spillstore.store.process",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.Bool("fetch_value", fetchValue),
		attribute.Bool("fetch_metadata", fetchMetadata),
	)
	defer span.End()

	keys := s.keys.Keys()
	batchSize := s.cfg.ProcessBatchSize
	sem := semaphore.NewWeighted(int64(s.cfg.ProcessParallelism))

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		failures    []error
		interrupted error
		visited     atomic.Int64
		tc          TaskContext
	)
	fail := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}
	interrupt := func(err error) {
		mu.Lock()
		if interrupted == nil {
			interrupted = err
		}
		mu.Unlock()
	}

	for i := 0; i < len(keys) && !tc.Stopped(); i += batchSize {
		if err := sem.Acquire(ctx, 1); err != nil {
			interrupt(err)
			break
		}

		batch := keys[i:min(i+batchSize, len(keys))]
		wg.Add(1)
		err := exec.Submit(func(taskCtx context.Context) {
			defer wg.Done()
			defer sem.Release(1)

			for _, key := range batch {
				if tc.Stopped() {
					return
				}
				if err := taskCtx.Err(); err != nil {
					interrupt(fmt.Errorf("%w: %v", executor.ErrShutdown, err))
					return
				}
				if err := ctx.Err(); err != nil {
					interrupt(err)
					return
				}
				if filter != nil && !filter(key) {
					continue
				}

				entry, err := s.processEntry(key, fetchValue, fetchMetadata)
				if err != nil {
					fail(fmt.Errorf("key %q: %w", key, err))
					continue
				}
				if entry == nil {
					continue
				}

				visited.Add(1)
				if err := action(entry, &tc); err != nil {
					fail(fmt.Errorf("key %q: %w", key, err))
				}
			}
		})
		if err != nil {
			wg.Done()
			sem.Release(1)
			interrupt(err)
			break
		}
	}
	wg.Wait()

	s.stats.TrackOperationWithLatency(stats.OpProcess, uint64(time.Since(start).Nanoseconds()))
	s.metrics.RecordProcess(ctx, time.Since(start), visited.Load(), int64(len(failures)))

	var err error
	if len(failures) > 0 {
		s.stats.TrackError("process_error")
		err = &AggregateError{Errors: failures}
	}
	if interrupted != nil {
		ierr := fmt.Errorf("process interrupted: %w", interrupted)
		if err == nil {
			err = ierr
		} else {
			err = errors.Join(err, ierr)
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// processEntry returns the entry to hand to an action, or nil when the key
// is gone or expired
func (s *Store) processEntry(key []byte, fetchValue, fetchMetadata bool) (*Entry, error) {
	if fetchValue || fetchMetadata {
		e, err := s.read(key, fetchValue, fetchMetadata)
		if err != nil || e == nil {
			return nil, err
		}
		return entryFromRecord(*e), nil
	}

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
		expired := loc.Expired(now)
		loc.ReleaseRead()
		if expired {
			return nil, nil
		}
		return &Entry{Key: key}, nil
	}
}
