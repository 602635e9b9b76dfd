// Package config is an in-memory representation of the CORE's TOML
// configuration file: where its IndexDB lives, where its interpreter
// memo store lives, how deep the scheduler's work queue is, and which
// peers to bootstrap sync from. Grounded on the teacher's config/config.go
// (default-filled struct, toml tags, ReadFile/WriteFile over
// github.com/BurntSushi/toml).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the root of the CORE's on-disk configuration.
type Config struct {
	IndexDB    *IndexDBConfig    `toml:"indexdb"`
	KVStore    *KVStoreConfig    `toml:"kvstore"`
	Blockstore *BlockstoreConfig `toml:"blockstore"`
	Scheduler  *SchedulerConfig  `toml:"scheduler"`
	Bootstrap  *BootstrapConfig  `toml:"bootstrap"`
	Metrics    *MetricsConfig    `toml:"metrics"`
}

// IndexDBConfig holds the MySQL connection the IndexDB opens through gorm.
type IndexDBConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"maxOpenConns"`
	MaxIdleConns int    `toml:"maxIdleConns"`
}

func newDefaultIndexDBConfig() *IndexDBConfig {
	return &IndexDBConfig{
		DSN:          "root:@tcp(127.0.0.1:3306)/venus_core?parseTime=true",
		MaxOpenConns: 16,
		MaxIdleConns: 4,
	}
}

// KVStoreConfig holds the badger directory backing the interpreter's
// memoized-result store.
type KVStoreConfig struct {
	Path string `toml:"path"`
}

func newDefaultKVStoreConfig() *KVStoreConfig {
	return &KVStoreConfig{Path: "interpreter-store"}
}

// BlockstoreConfig holds the badger directory backing raw tipset/block
// content.
type BlockstoreConfig struct {
	Path string `toml:"path"`
}

func newDefaultBlockstoreConfig() *BlockstoreConfig {
	return &BlockstoreConfig{Path: "chain-content"}
}

// SchedulerConfig sizes the single-threaded work queue every CORE
// component schedules continuations onto.
type SchedulerConfig struct {
	QueueSize int `toml:"queueSize"`
}

func newDefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{QueueSize: 1024}
}

// BootstrapConfig lists the peers the Syncer should initially consider
// for sync targets.
type BootstrapConfig struct {
	Peers []string `toml:"peers"`
}

func newDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{Peers: []string{}}
}

// MetricsConfig controls the prometheus exporter the CORE exposes its
// opencensus views through.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
	Address   string `toml:"address"`
}

func newDefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{Namespace: "venus_core", Address: ":9090"}
}

// NewDefaultConfig returns a Config with every field filled to its
// default value.
func NewDefaultConfig() *Config {
	return &Config{
		IndexDB:    newDefaultIndexDBConfig(),
		KVStore:    newDefaultKVStoreConfig(),
		Blockstore: newDefaultBlockstoreConfig(),
		Scheduler:  newDefaultSchedulerConfig(),
		Bootstrap:  newDefaultBootstrapConfig(),
		Metrics:    newDefaultMetricsConfig(),
	}
}

// WriteFile writes cfg to file in TOML form.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(*cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a config file from disk, starting from defaults so any
// key the file omits keeps its default value.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := NewDefaultConfig()
	if _, err := toml.DecodeReader(f, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
