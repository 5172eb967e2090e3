// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads broker settings from an optional YAML file and
// SEGLOG_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/novatechflow/seglog/pkg/broker"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// Config is the broker process configuration.
type Config struct {
	ControlAddr string        `yaml:"control_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
	Storage     StorageConfig `yaml:"storage"`
	S3          S3Config      `yaml:"s3"`
	Etcd        EtcdConfig    `yaml:"etcd"`
	Health      HealthConfig  `yaml:"health"`
}

type StorageConfig struct {
	Namespace           string        `yaml:"namespace"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	FlushBytes          int           `yaml:"flush_bytes"`
	FlushMessages       int           `yaml:"flush_messages"`
	SegmentRollInterval time.Duration `yaml:"segment_roll_interval"`
	IndexInterval       int32         `yaml:"index_interval_messages"`
	MaxRecordBytes      int           `yaml:"max_record_bytes"`
	OffloadSealed       bool          `yaml:"offload_sealed"`
	CacheBytes          int           `yaml:"cache_bytes"`
	RestoreOnOpen       bool          `yaml:"restore_on_open"`
	Backpressure        bool          `yaml:"backpressure"`
}

type S3Config struct {
	// Memory keeps segments in process instead of an object store.
	Memory          bool   `yaml:"memory"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	KMSKeyARN       string `yaml:"kms_key_arn"`
	// Read* point downloads at a replica; empty fields fall back to the write side.
	ReadBucket   string `yaml:"read_bucket"`
	ReadRegion   string `yaml:"read_region"`
	ReadEndpoint string `yaml:"read_endpoint"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

type HealthConfig struct {
	Window      time.Duration `yaml:"window"`
	LatencyWarn time.Duration `yaml:"latency_warn"`
	LatencyCrit time.Duration `yaml:"latency_crit"`
	ErrorWarn   float64       `yaml:"error_rate_warn"`
	ErrorCrit   float64       `yaml:"error_rate_crit"`
}

// Default returns the settings used when neither file nor environment set a value.
func Default() Config {
	return Config{
		ControlAddr: ":9094",
		MetricsAddr: ":9093",
		LogLevel:    "warn",
		Storage: StorageConfig{
			Namespace:           "default",
			MaintenanceInterval: time.Second,
			FlushInterval:       storage.DefaultWriteBufferConfig().FlushInterval,
			FlushBytes:          storage.DefaultWriteBufferConfig().MaxBytes,
			IndexInterval:       100,
			CacheBytes:          32 << 20,
			Backpressure:        true,
		},
		S3: S3Config{
			Memory:         true,
			Bucket:         "seglog",
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
		},
		Health: HealthConfig{
			Window:      time.Minute,
			LatencyWarn: 500 * time.Millisecond,
			LatencyCrit: 3 * time.Second,
			ErrorWarn:   0.2,
			ErrorCrit:   0.6,
		},
	}
}

// Load reads path over the defaults, applies the environment and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ControlAddr = envOrDefault("SEGLOG_CONTROL_ADDR", c.ControlAddr)
	c.MetricsAddr = envOrDefault("SEGLOG_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOrDefault("SEGLOG_LOG_LEVEL", c.LogLevel)

	s := &c.Storage
	s.Namespace = envOrDefault("SEGLOG_S3_NAMESPACE", s.Namespace)
	s.MaintenanceInterval = parseEnvDuration("SEGLOG_MAINTENANCE_INTERVAL", s.MaintenanceInterval)
	s.FlushInterval = parseEnvDuration("SEGLOG_FLUSH_INTERVAL", s.FlushInterval)
	s.FlushBytes = parseEnvInt("SEGLOG_FLUSH_BYTES", s.FlushBytes)
	s.FlushMessages = parseEnvInt("SEGLOG_FLUSH_MESSAGES", s.FlushMessages)
	s.SegmentRollInterval = parseEnvDuration("SEGLOG_SEGMENT_ROLL_INTERVAL", s.SegmentRollInterval)
	s.IndexInterval = int32(parseEnvInt("SEGLOG_INDEX_INTERVAL_MESSAGES", int(s.IndexInterval)))
	s.MaxRecordBytes = parseEnvInt("SEGLOG_MAX_RECORD_BYTES", s.MaxRecordBytes)
	s.OffloadSealed = parseEnvBool("SEGLOG_OFFLOAD_SEALED", s.OffloadSealed)
	s.CacheBytes = parseEnvInt("SEGLOG_CACHE_BYTES", s.CacheBytes)
	s.RestoreOnOpen = parseEnvBool("SEGLOG_RESTORE_ON_OPEN", s.RestoreOnOpen)
	s.Backpressure = parseEnvBool("SEGLOG_BACKPRESSURE", s.Backpressure)

	o := &c.S3
	o.Memory = parseEnvBool("SEGLOG_USE_MEMORY_S3", o.Memory)
	o.Bucket = envOrDefault("SEGLOG_S3_BUCKET", o.Bucket)
	o.Region = envOrDefault("SEGLOG_S3_REGION", o.Region)
	o.Endpoint = envOrDefault("SEGLOG_S3_ENDPOINT", o.Endpoint)
	o.ForcePathStyle = parseEnvBool("SEGLOG_S3_PATH_STYLE", o.ForcePathStyle)
	o.AccessKeyID = envOrDefault("SEGLOG_S3_ACCESS_KEY", o.AccessKeyID)
	o.SecretAccessKey = envOrDefault("SEGLOG_S3_SECRET_KEY", o.SecretAccessKey)
	o.SessionToken = envOrDefault("SEGLOG_S3_SESSION_TOKEN", o.SessionToken)
	o.KMSKeyARN = envOrDefault("SEGLOG_S3_KMS_ARN", o.KMSKeyARN)
	o.ReadBucket = envOrDefault("SEGLOG_S3_READ_BUCKET", o.ReadBucket)
	o.ReadRegion = envOrDefault("SEGLOG_S3_READ_REGION", o.ReadRegion)
	o.ReadEndpoint = envOrDefault("SEGLOG_S3_READ_ENDPOINT", o.ReadEndpoint)

	e := &c.Etcd
	if endpoints := envOrDefault("SEGLOG_ETCD_ENDPOINTS", ""); endpoints != "" {
		e.Endpoints = splitList(endpoints)
	}
	e.Username = envOrDefault("SEGLOG_ETCD_USERNAME", e.Username)
	e.Password = envOrDefault("SEGLOG_ETCD_PASSWORD", e.Password)
	e.DialTimeout = parseEnvDuration("SEGLOG_ETCD_DIAL_TIMEOUT", e.DialTimeout)
	e.KeyPrefix = envOrDefault("SEGLOG_ETCD_KEY_PREFIX", e.KeyPrefix)

	h := &c.Health
	h.Window = parseEnvDuration("SEGLOG_S3_HEALTH_WINDOW", h.Window)
	h.LatencyWarn = parseEnvDuration("SEGLOG_S3_LATENCY_WARN", h.LatencyWarn)
	h.LatencyCrit = parseEnvDuration("SEGLOG_S3_LATENCY_CRIT", h.LatencyCrit)
	h.ErrorWarn = parseEnvFloat("SEGLOG_S3_ERROR_RATE_WARN", h.ErrorWarn)
	h.ErrorCrit = parseEnvFloat("SEGLOG_S3_ERROR_RATE_CRIT", h.ErrorCrit)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	for name, addr := range map[string]string{"control_addr": c.ControlAddr, "metrics_addr": c.MetricsAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Namespace == "" {
		errs = append(errs, errors.New("storage.namespace is required"))
	}
	if c.Storage.MaintenanceInterval <= 0 {
		errs = append(errs, errors.New("storage.maintenance_interval must be positive"))
	}
	if c.Storage.FlushBytes < 0 || c.Storage.FlushMessages < 0 || c.Storage.FlushInterval < 0 {
		errs = append(errs, errors.New("storage flush thresholds must not be negative"))
	}
	if c.Storage.IndexInterval <= 0 {
		errs = append(errs, errors.New("storage.index_interval_messages must be positive"))
	}
	if c.Storage.CacheBytes < 0 {
		errs = append(errs, errors.New("storage.cache_bytes must not be negative"))
	}
	if !c.S3.Memory && c.S3.Bucket == "" {
		errs = append(errs, errors.New("s3.bucket is required"))
	}
	if c.Health.ErrorWarn < 0 || c.Health.ErrorCrit > 1 || c.Health.ErrorWarn > c.Health.ErrorCrit {
		errs = append(errs, errors.New("health error rates must satisfy 0 <= warn <= crit <= 1"))
	}
	if c.Health.LatencyWarn > c.Health.LatencyCrit {
		errs = append(errs, errors.New("health.latency_warn must not exceed health.latency_crit"))
	}
	return errors.Join(errs...)
}

// Broker maps the settings onto a broker configuration.
func (c Config) Broker() broker.Config {
	s := c.Storage
	return broker.Config{
		Namespace:           s.Namespace,
		MaintenanceInterval: s.MaintenanceInterval,
		Buffer: storage.WriteBufferConfig{
			MaxBytes:      s.FlushBytes,
			MaxMessages:   s.FlushMessages,
			FlushInterval: s.FlushInterval,
		},
		SegmentRollInterval:   s.SegmentRollInterval,
		IndexIntervalMessages: s.IndexInterval,
		MaxRecordBytes:        s.MaxRecordBytes,
		OffloadSealed:         s.OffloadSealed,
		CacheBytes:            s.CacheBytes,
		RestoreOnOpen:         s.RestoreOnOpen,
		Backpressure:          s.Backpressure,
		Health: broker.S3HealthConfig{
			Window:      c.Health.Window,
			LatencyWarn: c.Health.LatencyWarn,
			LatencyCrit: c.Health.LatencyCrit,
			ErrorWarn:   c.Health.ErrorWarn,
			ErrorCrit:   c.Health.ErrorCrit,
		},
	}
}

// ObjectStore returns the write-side and, when configured, read-side S3 settings.
func (c Config) ObjectStore() (storage.S3Config, *storage.S3Config) {
	o := c.S3
	write := storage.S3Config{
		Bucket:          o.Bucket,
		Region:          o.Region,
		Endpoint:        o.Endpoint,
		ForcePathStyle:  o.ForcePathStyle,
		AccessKeyID:     o.AccessKeyID,
		SecretAccessKey: o.SecretAccessKey,
		SessionToken:    o.SessionToken,
		KMSKeyARN:       o.KMSKeyARN,
	}
	if o.ReadBucket == "" && o.ReadRegion == "" && o.ReadEndpoint == "" {
		return write, nil
	}
	read := write
	if o.ReadBucket != "" {
		read.Bucket = o.ReadBucket
	}
	if o.ReadRegion != "" {
		read.Region = o.ReadRegion
	}
	if o.ReadEndpoint != "" {
		read.Endpoint = o.ReadEndpoint
	}
	return write, &read
}

// MetadataStore returns etcd settings, or nil when no endpoints are configured.
func (c Config) MetadataStore() *metadata.EtcdStoreConfig {
	if len(c.Etcd.Endpoints) == 0 {
		return nil
	}
	return &metadata.EtcdStoreConfig{
		Endpoints:   c.Etcd.Endpoints,
		Username:    c.Etcd.Username,
		Password:    c.Etcd.Password,
		DialTimeout: c.Etcd.DialTimeout,
		KeyPrefix:   c.Etcd.KeyPrefix,
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
