package env

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
)

const (
	MinPageSize     = 1 << 10
	MaxPageSize     = 64 << 10
	DefaultPageSize = 16 << 10
	// DefaultCacheSize is the cache budget in bytes.
	DefaultCacheSize     = 2 << 20
	DefaultPurgeInterval = 10 * time.Millisecond
)

// Config holds the configuration of an environment.
type Config struct {
	// Path is the database file. An empty path keeps the environment in
	// memory; recovery is then unavailable.
	Path string `yaml:"path"`
	// PageSize must be a power of two between 1 KiB and 64 KiB. Existing
	// files keep the page size they were created with.
	PageSize int `yaml:"page_size"`
	// CacheSize is the page cache budget in bytes; 0 disables purging.
	CacheSize      int64 `yaml:"cache_size"`
	EnableFsync    bool  `yaml:"enable_fsync"`
	EnableRecovery bool  `yaml:"enable_recovery"`
	// JournalSwitchThreshold is the number of changesets after which the
	// journal moves to its other file.
	JournalSwitchThreshold int `yaml:"journal_switch_threshold"`
	// PurgeInterval is the minimum time between two cache purges.
	PurgeInterval time.Duration `yaml:"purge_interval"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:               DefaultPageSize,
		CacheSize:              DefaultCacheSize,
		EnableRecovery:         true,
		JournalSwitchThreshold: wal.DefaultSwitchThreshold,
		PurgeInterval:          DefaultPurgeInterval,
		Logger:                 logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry:              telemetry.Config{ServiceName: "pagestore"},
	}
}

// LoadConfig reads a yaml file on top of DefaultConfig and validates the
// result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", common.ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("%w: page size %d must be a power of two in [%d, %d]",
			common.ErrInvalidConfig, c.PageSize, MinPageSize, MaxPageSize)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("%w: negative cache size %d", common.ErrInvalidConfig, c.CacheSize)
	}
	if c.JournalSwitchThreshold < 0 {
		return fmt.Errorf("%w: negative journal switch threshold %d", common.ErrInvalidConfig, c.JournalSwitchThreshold)
	}
	if c.PurgeInterval < 0 {
		return fmt.Errorf("%w: negative purge interval %s", common.ErrInvalidConfig, c.PurgeInterval)
	}
	return nil
}

// InMemory reports whether the environment has no backing file.
func (c *Config) InMemory() bool { return c.Path == "" }

func (c *Config) journalEnabled() bool {
	return c.EnableRecovery && !c.InMemory()
}
