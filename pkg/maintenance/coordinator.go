package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevoDB/spillstore/pkg/common/log"
	"github.com/KevoDB/spillstore/pkg/config"
	"github.com/KevoDB/spillstore/pkg/store"
)

// Purger runs a single purge pass. *store.Store implements it.
type Purger interface {
	RunPurge(ctx context.Context, listener store.PurgeListener) (store.PurgeResult, error)
}

// CoordinatorOptions holds configuration options for the coordinator
type CoordinatorOptions struct {
	// Interval between periodic purges. Zero disables them; TriggerPurge
	// still works.
	Interval time.Duration

	// Listener is told about every expired entry a purge drops
	Listener store.PurgeListener

	Logger log.Logger
}

// Coordinator runs purges in the background on a fixed interval.
type Coordinator struct {
	purger   Purger
	listener store.PurgeListener
	logger   log.Logger

	// Worker state
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	resetCh  chan time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	interval time.Duration
	watcher  *config.Watcher

	// Only one purge at a time
	purgingMu sync.Mutex

	// Results of past purges
	resultsMu  sync.RWMutex
	runs       uint64
	failures   uint64
	lastResult store.PurgeResult
	lastErr    error
	lastRun    time.Time
	lastTook   time.Duration
}

// NewCoordinator creates a coordinator for purger
func NewCoordinator(purger Purger, options CoordinatorOptions) *Coordinator {
	if options.Logger == nil {
		options.Logger = log.GetDefaultLogger().WithField("component", "maintenance")
	}
	if options.Interval < 0 {
		options.Interval = 0
	}

	return &Coordinator{
		purger:   purger,
		listener: options.Listener,
		logger:   options.Logger,
		interval: options.Interval,
		resetCh:  make(chan time.Duration, 1),
	}
}

// Start begins periodic purging
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.stopCh = make(chan struct{})
	c.cancel = cancel
	select {
	case <-c.resetCh:
	default:
	}

	c.wg.Add(1)
	go c.worker(ctx, c.stopCh, c.interval)

	c.logger.Info("Started purge coordinator, interval %s", c.interval)
	return nil
}

// Stop halts periodic purging, cancels a purge in progress and stops any
// config watch started with WatchConfig
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.cancel()
	c.running = false
	watcher := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	c.wg.Wait()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// SetInterval changes the purge interval. A running worker picks it up
// immediately; zero pauses periodic purging.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if d == c.interval {
		return
	}
	c.interval = d
	if !c.running {
		return
	}
	// only the latest interval matters
	select {
	case <-c.resetCh:
	default:
	}
	c.resetCh <- d
	c.logger.Info("Purge interval changed to %s", d)
}

// Interval returns the current purge interval
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// ApplyConfig applies the settings of cfg that can change at runtime: the
// purge interval and the log level.
func (c *Coordinator) ApplyConfig(cfg *config.Config) {
	snap := cfg.Snapshot()
	c.SetInterval(time.Duration(snap.PurgeInterval) * time.Second)

	if snap.LogLevel != "" {
		level, err := log.ParseLevel(snap.LogLevel)
		if err != nil {
			c.logger.Warn("Ignoring log level: %v", err)
			return
		}
		c.logger.SetLevel(level)
	}
}

// WatchConfig applies the config file at path whenever it changes. The
// watch ends with Stop. The coordinator must be running.
func (c *Coordinator) WatchConfig(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return errors.New("coordinator is not running")
	}
	if c.watcher != nil {
		return errors.New("already watching a config file")
	}

	w, err := config.Watch(path, func(cfg *config.Config, err error) {
		if err != nil {
			c.logger.Warn("Config reload failed: %v", err)
			return
		}
		c.logger.Info("Reloaded config from %s", path)
		c.ApplyConfig(cfg)
	})
	if err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// worker runs the purge loop
func (c *Coordinator) worker(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	defer c.wg.Done()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	reset := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	reset(interval)
	defer reset(0)

	for {
		select {
		case <-stopCh:
			return
		case d := <-c.resetCh:
			reset(d)
		case <-tick:
			if _, err := c.purge(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("Periodic purge failed: %v", err)
			}
		}
	}
}

// TriggerPurge runs a purge pass now, waiting for one in progress to finish
// first
func (c *Coordinator) TriggerPurge(ctx context.Context) (store.PurgeResult, error) {
	return c.purge(ctx)
}

func (c *Coordinator) purge(ctx context.Context) (store.PurgeResult, error) {
	c.purgingMu.Lock()
	defer c.purgingMu.Unlock()

	start := time.Now()
	result, err := c.purger.RunPurge(ctx, c.listener)

	c.resultsMu.Lock()
	c.runs++
	if err != nil {
		c.failures++
	}
	c.lastResult = result
	c.lastErr = err
	c.lastRun = start
	c.lastTook = time.Since(start)
	c.resultsMu.Unlock()

	return result, err
}

// GetStats returns statistics about past purges
func (c *Coordinator) GetStats() map[string]interface{} {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()

	stats := make(map[string]interface{})
	stats["runs"] = c.runs
	stats["failures"] = c.failures
	stats["interval_ms"] = c.Interval().Milliseconds()

	if c.runs > 0 {
		stats["last_run"] = c.lastRun
		stats["last_duration_ms"] = c.lastTook.Milliseconds()
		stats["last_expired"] = c.lastResult.Expired
		stats["last_merges"] = c.lastResult.Merges
		stats["last_trimmed"] = c.lastResult.Trimmed
		stats["file_size"] = c.lastResult.FileSize
	}
	if c.lastErr != nil {
		stats["last_error"] = c.lastErr.Error()
	}

	return stats
}
