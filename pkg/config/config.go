// Package config loads and validates CityHall's YAML configuration
// file, covering both leader storage settings and replica settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// StorageConfig configures the local LSM engine.
type StorageConfig struct {
	DataDir            string  `yaml:"data_dir" validate:"required"`
	MemtableBytes      int     `yaml:"memtable_bytes" validate:"min=0"`
	WALSegmentBytes     int64   `yaml:"wal_segment_bytes" validate:"min=0"`
	WALBufferBytes      int     `yaml:"wal_buffer_bytes" validate:"min=0"`
	FalsePositiveRate  float64 `yaml:"false_positive_rate" validate:"omitempty,gt=0,lt=1"`
	CompactionTier     int     `yaml:"compaction_tier_threshold" validate:"min=0"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
}

// ReplicationConfig configures the leader's TCP server and registry.
type ReplicationConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	BatchLimit          int           `yaml:"batch_limit" validate:"min=0"`
	ReplicaTimeout      time.Duration `yaml:"replica_timeout"`
}

// ReplicaConfig configures cityhall-replica's connection to its leader.
type ReplicaConfig struct {
	LeaderAddr       string        `yaml:"leader_addr"`
	StateFile        string        `yaml:"state_file"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BackoffStart     time.Duration `yaml:"backoff_start"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
}

// MetricsConfig configures metrics exposure.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root configuration document for either binary; a
// replica process leaves Storage.DataDir pointed at its local copy and
// fills in Replica, while a leader process fills in Replication.
type Config struct {
	Storage     StorageConfig     `yaml:"storage" validate:"required"`
	Replication ReplicationConfig `yaml:"replication"`
	Replica     ReplicaConfig     `yaml:"replica"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	LogLevel    string            `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns a configuration with every documented default
// filled in, rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Storage: StorageConfig{
			DataDir:            dataDir,
			MemtableBytes:      64 * 1024 * 1024,
			WALSegmentBytes:    100 * 1024 * 1024,
			WALBufferBytes:     16 * 1024,
			FalsePositiveRate:  0.01,
			CompactionTier:     4,
			CompactionInterval: 30 * time.Second,
		},
		Replication: ReplicationConfig{
			ListenAddr:     ":7879",
			BatchLimit:     1000,
			ReplicaTimeout: 90 * time.Second,
		},
		Replica: ReplicaConfig{
			StateFile:         "replica_state.json",
			HeartbeatInterval: 10 * time.Second,
			BackoffStart:      1 * time.Second,
			BackoffCap:        60 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load reads and validates a YAML configuration file, filling in any
// field the file omits with its documented default.
func Load(path string) (Config, error) {
	cfg := Default("")

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return Config{}, formatValidationError(err)
	}
	return cfg, nil
}

func formatValidationError(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, e := range validationErrs {
		return fmt.Errorf("config: %s: failed %q constraint", e.Namespace(), e.Tag())
	}
	return err
}
