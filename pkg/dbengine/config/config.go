// Package config loads and validates the engine's JSON configuration
// (spec §6 "Configuration"): per-tier layout, cache sizes, worker pool
// bounds, compression algorithm, journal integrity checking and fsync
// mode.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FsyncMode holds the parsed `fsync_mode` setting (spec §6). No other
// package reads it: the page writer syncs the datafile after every
// extent batch whatever this value is.
type FsyncMode struct {
	PerExtent    bool
	PeriodicMS   int
}

func (m *FsyncMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "per_extent" || s == "" {
		m.PerExtent = true
		return nil
	}
	var ms int
	if _, err := fmt.Sscanf(s, "periodic_ms(%d)", &ms); err != nil {
		return fmt.Errorf("config: invalid fsync_mode %q", s)
	}
	m.PeriodicMS = ms
	return nil
}

// TierConfig configures one tier context (spec §3 "Tier context").
type TierConfig struct {
	ID              int    `json:"id"`
	PageType        string `json:"page_type"` // raw32 | gorilla32
	UpdateEveryS    int64  `json:"update_every_s"`
	Multiplier      int64  `json:"multiplier"` // defaults to 1; not read by the engine, which sizes each tier from its own update_every_s
	DiskQuota       string `json:"disk_quota_bytes"`
	Directory       string `json:"directory"`
	DiskQuotaBytes  int64  `json:"-"`
}

// CacheConfig configures one of the three PGC instances (main/open/extent).
type CacheConfig struct {
	SizeBytes      string `json:"size_bytes"`
	SizeBytesValue int64  `json:"-"`
}

// WorkerConfig bounds the shared worker pool (spec §4.6).
type WorkerConfig struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// ExtentWriteRetryConfig holds the extent-write retry settings (Open
// Question #2 from spec §9): 3 retries with 100/500/2000ms backoff by
// default. No other package reads it; the page cache retries with its
// own fixed bound and no backoff.
type ExtentWriteRetryConfig struct {
	MaxRetries int   `json:"max_retries"`
	BackoffMS  []int `json:"backoff_ms"`
}

func DefaultExtentWriteRetry() ExtentWriteRetryConfig {
	return ExtentWriteRetryConfig{MaxRetries: 3, BackoffMS: []int{100, 500, 2000}}
}

func (c ExtentWriteRetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 || attempt >= len(c.BackoffMS) {
		attempt = len(c.BackoffMS) - 1
	}
	if attempt < 0 {
		return 0
	}
	return time.Duration(c.BackoffMS[attempt]) * time.Millisecond
}

// S3ArchiveConfig configures the optional cold-tier archive-instead-of-
// delete path on rotation (SPEC_FULL.md "Cold-tier archival on rotation").
type S3ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Bucket  string `json:"bucket"`
	Prefix  string `json:"prefix"`
	Region  string `json:"region"`
}

// RetentionConfig configures C7 (spec §4.7).
type RetentionConfig struct {
	TickCron string          `json:"tick_cron"` // robfig/cron/v3 expression, default "every 1 minute"
	Mode     string          `json:"mode"`      // "delete" | "archive"
	S3       S3ArchiveConfig `json:"s3"`
}

// JournalConfig configures C3 (spec §6).
type JournalConfig struct {
	IntegrityCheck bool   `json:"integrity_check"`
	V1Format       string `json:"v1_format"` // "binary" (default) | "avro"; not read: journal-v1 is always written in binary
}

// NATSIngestConfig configures the optional NATS ingest transport
// (SPEC_FULL.md "NATS-based ingest transport").
type NATSIngestConfig struct {
	Enabled     bool   `json:"enabled"`
	Address     string `json:"address"`
	SubscribeTo string `json:"subscribe-to"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	CredsFile   string `json:"creds-file-path"`
}

// EngineConfig is the top-level configuration document.
type EngineConfig struct {
	Tiers             []TierConfig           `json:"tiers"`
	CacheMain         CacheConfig            `json:"cache_main"`
	CacheOpen         CacheConfig            `json:"cache_open"`
	CacheExtent       CacheConfig            `json:"cache_extent"`
	Workers           WorkerConfig           `json:"workers"`
	CompressionAlgo   string                 `json:"compression_algo"`
	Journal           JournalConfig          `json:"journal"`
	FsyncMode         FsyncMode              `json:"fsync_mode"`
	ExtentWriteRetry  ExtentWriteRetryConfig `json:"extent_write_retry"`
	Retention         RetentionConfig        `json:"retention"`
	NATS              NATSIngestConfig       `json:"nats"`
	GCPercent         int                    `json:"gc_percent"`
	EnableGops        bool                   `json:"gops"`
}

// Schema is the JSON Schema document EngineConfig is validated against
// before being unmarshalled, following the teacher's load-then-validate
// pattern (internal/config/validate.go).
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "tiers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "page_type", "update_every_s", "disk_quota_bytes", "directory"],
        "properties": {
          "id": {"type": "integer", "minimum": 0},
          "page_type": {"type": "string", "enum": ["raw32", "gorilla32"]},
          "update_every_s": {"type": "integer", "minimum": 1},
          "multiplier": {"type": "integer", "minimum": 1},
          "disk_quota_bytes": {"type": "string"},
          "directory": {"type": "string"}
        }
      }
    },
    "workers": {
      "type": "object",
      "properties": {
        "min": {"type": "integer", "minimum": 1},
        "max": {"type": "integer", "minimum": 1}
      }
    },
    "compression_algo": {"type": "string", "enum": ["none", "lz4", "zstd"]}
  },
  "required": ["tiers"]
}`

// Validate compiles Schema and validates instance against it, failing
// fast (cclog.Fatalf) exactly the way internal/config.Validate did in the
// teacher — config errors are an engine-fatal, startup-time condition,
// never a recoverable data-path error.
func Validate(instance json.RawMessage) {
	sch, err := jsonschema.CompileString("dbengine-config.json", Schema)
	if err != nil {
		cclog.Fatalf("dbengine/config: schema compile: %v", err)
	}
	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		cclog.Fatalf("dbengine/config: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		cclog.Fatalf("dbengine/config: %v", err)
	}
}

// Load reads, validates and decodes raw into an EngineConfig, resolving
// human-readable byte sizes into the Bytes-suffixed numeric fields and
// applying defaults the way pkg/metricstore/config.go's package-level
// Keys does.
func Load(raw json.RawMessage) (*EngineConfig, error) {
	Validate(raw)

	cfg := &EngineConfig{
		Workers:          WorkerConfig{Min: 2, Max: 0},
		ExtentWriteRetry: DefaultExtentWriteRetry(),
		Retention:        RetentionConfig{TickCron: "@every 1m", Mode: "delete"},
		Journal:          JournalConfig{IntegrityCheck: true, V1Format: "binary"},
		GCPercent:        100,
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	for i := range cfg.Tiers {
		t := &cfg.Tiers[i]
		if t.Multiplier == 0 {
			t.Multiplier = 1
		}
		b, err := ParseByteSize(t.DiskQuota)
		if err != nil {
			return nil, fmt.Errorf("config: tier %d: %w", t.ID, err)
		}
		t.DiskQuotaBytes = b
	}
	for _, c := range []*CacheConfig{&cfg.CacheMain, &cfg.CacheOpen, &cfg.CacheExtent} {
		if c.SizeBytes == "" {
			c.SizeBytesValue = 32 * mebi
			continue
		}
		b, err := ParseByteSize(c.SizeBytes)
		if err != nil {
			return nil, fmt.Errorf("config: cache size: %w", err)
		}
		c.SizeBytesValue = b
	}
	return cfg, nil
}
