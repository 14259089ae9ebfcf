package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. SPILLSTORE_MAX_ENTRIES
const EnvPrefix = "SPILLSTORE"

func newViper(path string) *viper.Viper {
	v := viper.New()

	def := NewDefaultConfig("data")
	v.SetDefault("version", def.Version)
	v.SetDefault("location", def.Location)
	v.SetDefault("file_name", def.FileName)
	v.SetDefault("purge_on_startup", def.PurgeOnStartup)
	v.SetDefault("sync_mode", def.SyncMode.String())
	v.SetDefault("sync_bytes", def.SyncBytes)
	v.SetDefault("fragmentation_factor", def.FragmentationFactor)
	v.SetDefault("min_remainder", def.MinRemainder)
	v.SetDefault("max_entries", def.MaxEntries)
	v.SetDefault("compression", def.Compression)
	v.SetDefault("key_index_shards", def.KeyIndexShards)
	v.SetDefault("process_batch_size", def.ProcessBatchSize)
	v.SetDefault("process_parallelism", def.ProcessParallelism)
	v.SetDefault("purge_interval", def.PurgeInterval)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	syncMode, err := ParseSyncMode(v.GetString("sync_mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Version:             v.GetInt("version"),
		Location:            v.GetString("location"),
		FileName:            v.GetString("file_name"),
		PurgeOnStartup:      v.GetBool("purge_on_startup"),
		SyncMode:            syncMode,
		SyncBytes:           v.GetInt64("sync_bytes"),
		FragmentationFactor: v.GetFloat64("fragmentation_factor"),
		MinRemainder:        v.GetUint32("min_remainder"),
		MaxEntries:          v.GetInt64("max_entries"),
		Compression:         v.GetString("compression"),
		KeyIndexShards:      v.GetInt("key_index_shards"),
		ProcessBatchSize:    v.GetInt("process_batch_size"),
		ProcessParallelism:  v.GetInt("process_parallelism"),
		PurgeInterval:       v.GetInt64("purge_interval"),
		LogLevel:            v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration from path (any format viper understands,
// chosen by extension) layered over defaults, then applies SPILLSTORE_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
	once sync.Once
}

// Watch calls fn with the reloaded configuration, or the reload error, each
// time the file at path is written or replaced. The parent directory is
// watched so that editors that save by rename are seen too.
func Watch(path string, fn func(*Config, error)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watch requires a file path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{fs: fsw, done: make(chan struct{})}
	go w.loop(abs, fn)
	return w, nil
}

func (w *Watcher) loop(path string, fn func(*Config, error)) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			fn(Load(path))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			fn(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}
