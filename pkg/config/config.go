package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/KevoDB/spillstore/pkg/codec"
	"github.com/KevoDB/spillstore/pkg/common/log"
)

const (
	DefaultManifestFileName = "MANIFEST"
	DefaultDataFileName     = "store.dat"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncBatch
	SyncImmediate
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode accepts a mode name or its numeric value
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return SyncNone, nil
	case "batch", "1", "":
		return SyncBatch, nil
	case "immediate", "2":
		return SyncImmediate, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return SyncMode(n), fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, n)
	}
	return SyncBatch, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, s)
}

type Config struct {
	Version int `json:"version"`

	// Data file
	Location       string `json:"location"`
	FileName       string `json:"file_name"`
	PurgeOnStartup bool   `json:"purge_on_startup"`

	// Durability
	SyncMode  SyncMode `json:"sync_mode"`
	SyncBytes int64    `json:"sync_bytes"`

	// Space management
	FragmentationFactor float64 `json:"fragmentation_factor"`
	MinRemainder        uint32  `json:"min_remainder"`
	MaxEntries          int64   `json:"max_entries"` // 0 means unbounded

	// Record encoding
	Compression string `json:"compression"`

	// Indexing and traversal
	KeyIndexShards     int `json:"key_index_shards"`
	ProcessBatchSize   int `json:"process_batch_size"`
	ProcessParallelism int `json:"process_parallelism"`

	// Maintenance
	PurgeInterval int64 `json:"purge_interval"` // seconds, 0 disables periodic purge

	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(location string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		Location:       location,
		FileName:       DefaultDataFileName,
		PurgeOnStartup: false,

		SyncMode:  SyncBatch,
		SyncBytes: 1024 * 1024, // 1MB

		FragmentationFactor: 0.75,
		MinRemainder:        64,
		MaxEntries:          0,

		Compression: codec.CompressionNone.String(),

		KeyIndexShards:     16,
		ProcessBatchSize:   128,
		ProcessParallelism: 4,

		PurgeInterval: 60,

		LogLevel: "info",
	}
}

// Path returns the data file path
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.Location, c.FileName)
}

// CompressionMode returns the parsed value compression setting
func (c *Config) CompressionMode() (codec.Compression, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return codec.ParseCompression(c.Compression)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Location == "" {
		return fmt.Errorf("%w: location not specified", ErrInvalidConfig)
	}

	if c.FileName == "" || c.FileName != filepath.Base(c.FileName) {
		return fmt.Errorf("%w: invalid file name %q", ErrInvalidConfig, c.FileName)
	}

	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: invalid sync mode %d", ErrInvalidConfig, c.SyncMode)
	}

	if c.SyncMode == SyncBatch && c.SyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}

	if c.FragmentationFactor <= 0 || c.FragmentationFactor > 1 {
		return fmt.Errorf("%w: fragmentation factor must be in (0, 1]", ErrInvalidConfig)
	}

	if c.MinRemainder < codec.FreeMarkerSize {
		return fmt.Errorf("%w: min remainder must be at least %d", ErrInvalidConfig, codec.FreeMarkerSize)
	}

	if c.MaxEntries < 0 {
		return fmt.Errorf("%w: max entries must not be negative", ErrInvalidConfig)
	}

	if _, err := codec.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.KeyIndexShards <= 0 {
		return fmt.Errorf("%w: key index shards must be positive", ErrInvalidConfig)
	}

	if c.ProcessBatchSize <= 0 {
		return fmt.Errorf("%w: process batch size must be positive", ErrInvalidConfig)
	}

	if c.ProcessParallelism <= 0 {
		return fmt.Errorf("%w: process parallelism must be positive", ErrInvalidConfig)
	}

	if c.PurgeInterval < 0 {
		return fmt.Errorf("%w: purge interval must not be negative", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// LoadConfigFromManifest loads the configuration saved next to a store
func LoadConfigFromManifest(location string) (*Config, error) {
	manifestPath := filepath.Join(location, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveManifest writes the configuration to location atomically (temp file + rename)
func (c *Config) SaveManifest(location string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(location, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(location, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Snapshot returns a copy of the configuration that is safe to read without locking
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:             c.Version,
		Location:            c.Location,
		FileName:            c.FileName,
		PurgeOnStartup:      c.PurgeOnStartup,
		SyncMode:            c.SyncMode,
		SyncBytes:           c.SyncBytes,
		FragmentationFactor: c.FragmentationFactor,
		MinRemainder:        c.MinRemainder,
		MaxEntries:          c.MaxEntries,
		Compression:         c.Compression,
		KeyIndexShards:      c.KeyIndexShards,
		ProcessBatchSize:    c.ProcessBatchSize,
		ProcessParallelism:  c.ProcessParallelism,
		PurgeInterval:       c.PurgeInterval,
		LogLevel:            c.LogLevel,
	}
}
