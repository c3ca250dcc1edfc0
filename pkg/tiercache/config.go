package tiercache

// config.go holds a Config struct filled by defaultConfig() and mutated by
// functional Options, validated before use. Every option here closes over
// the single concrete Config shape, rather than being generic over a key
// or value type.

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config enumerates every recognized tunable, exhaustively. Construct via
// NewConfig(rootPath, opts...) or ConfigFromMap.
type Config struct {
	DiskRootPath string

	MemoryBudgetBytes   int64
	DiskBudgetBytes     int64
	MemoryMaxItemBytes  int64
	DiskMinItemBytes    int64
	DiskMaxItemBytes    int64

	HeatHalfLifeSeconds  float64
	HeatFreqCap          uint64
	HeatAlpha            float64
	HeatAdmitMemory      float64
	HeatDemote           float64
	IdleGraceSeconds     float64

	FlushIntervalSeconds     float64
	CompactorIntervalSeconds float64
	VerifyOnFetch            bool
	FetchDeadlineSeconds     float64

	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Option mutates a Config under construction, the usual functional-options
// shape.
type Option func(*Config)

// WithMemoryBudget sets memory_budget_bytes.
func WithMemoryBudget(bytes int64) Option { return func(c *Config) { c.MemoryBudgetBytes = bytes } }

// WithDiskBudget sets disk_budget_bytes.
func WithDiskBudget(bytes int64) Option { return func(c *Config) { c.DiskBudgetBytes = bytes } }

// WithMemoryMaxItem sets memory_max_item_bytes.
func WithMemoryMaxItem(bytes int64) Option { return func(c *Config) { c.MemoryMaxItemBytes = bytes } }

// WithDiskItemBounds sets disk_min_item_bytes and disk_max_item_bytes.
func WithDiskItemBounds(min, max int64) Option {
	return func(c *Config) { c.DiskMinItemBytes = min; c.DiskMaxItemBytes = max }
}

// WithHeatModel overrides every heat/admission tunable at once.
func WithHeatModel(halfLife time.Duration, freqCap uint64, alpha, admitMemory, demote float64, idleGrace time.Duration) Option {
	return func(c *Config) {
		c.HeatHalfLifeSeconds = halfLife.Seconds()
		c.HeatFreqCap = freqCap
		c.HeatAlpha = alpha
		c.HeatAdmitMemory = admitMemory
		c.HeatDemote = demote
		c.IdleGraceSeconds = idleGrace.Seconds()
	}
}

// WithFlushInterval sets flush_interval_seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushIntervalSeconds = d.Seconds() }
}

// WithCompactorInterval sets compactor_interval_seconds.
func WithCompactorInterval(d time.Duration) Option {
	return func(c *Config) { c.CompactorIntervalSeconds = d.Seconds() }
}

// WithVerifyOnFetch sets verify_on_fetch.
func WithVerifyOnFetch(v bool) Option { return func(c *Config) { c.VerifyOnFetch = v } }

// WithFetchDeadline sets fetch_deadline_seconds.
func WithFetchDeadline(d time.Duration) Option {
	return func(c *Config) { c.FetchDeadlineSeconds = d.Seconds() }
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option { return func(c *Config) { c.Registry = reg } }

// WithLogger plugs an external zap.Logger. The cache never logs on the hot
// path (Get/Pin/Unpin); only slow or exceptional events do.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// defaultConfig returns every default tunable, rooted at root.
func defaultConfig(root string) *Config {
	return &Config{
		DiskRootPath: root,

		MemoryBudgetBytes:  100 << 20,
		DiskBudgetBytes:    1 << 30,
		MemoryMaxItemBytes: 16 << 20,
		DiskMinItemBytes:   0,
		DiskMaxItemBytes:   512 << 20,

		HeatHalfLifeSeconds: 43200,
		HeatFreqCap:         10,
		HeatAlpha:           0.4,
		HeatAdmitMemory:     0.2,
		HeatDemote:          0.1,
		IdleGraceSeconds:    300,

		FlushIntervalSeconds:     60,
		CompactorIntervalSeconds: 30,
		VerifyOnFetch:            false,
		FetchDeadlineSeconds:     30,

		Logger: zap.NewNop(),
	}
}

// NewConfig builds a Config rooted at root with package defaults, then
// applies opts in order, bailing out early with a descriptive error if
// the result does not validate.
func NewConfig(root string, opts ...Option) (*Config, error) {
	cfg := defaultConfig(root)
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DiskRootPath == "" {
		return newError(KindIoError, "disk_root_path must not be empty", nil)
	}
	if c.MemoryBudgetBytes < 0 {
		return newError(KindIoError, "memory_budget_bytes must be >= 0", nil)
	}
	if c.DiskBudgetBytes < 0 {
		return newError(KindIoError, "disk_budget_bytes must be >= 0", nil)
	}
	if c.DiskMinItemBytes > c.DiskMaxItemBytes {
		return newError(KindIoError, "disk_min_item_bytes must be <= disk_max_item_bytes", nil)
	}
	if c.HeatAlpha < 0 || c.HeatAlpha > 1 {
		return newError(KindIoError, "heat_alpha must be within [0, 1]", nil)
	}
	return nil
}

// recognizedKeys enumerates every key ConfigFromMap accepts, mirroring
// Config's fields one-for-one under their snake_case names.
var recognizedKeys = map[string]bool{
	"disk_root_path":             true,
	"memory_budget_bytes":        true,
	"disk_budget_bytes":          true,
	"memory_max_item_bytes":      true,
	"disk_min_item_bytes":        true,
	"disk_max_item_bytes":        true,
	"heat_half_life_seconds":     true,
	"heat_freq_cap":              true,
	"heat_alpha":                 true,
	"heat_admit_memory":          true,
	"heat_demote":                true,
	"idle_grace_seconds":         true,
	"flush_interval_seconds":     true,
	"compactor_interval_seconds": true,
	"verify_on_fetch":            true,
	"fetch_deadline_seconds":     true,
}

// ConfigFromMap builds a Config from a dynamic map, covering callers that
// configure attribute-by-attribute with many defaulted fields: any key not
// in recognizedKeys is rejected outright rather than silently ignored.
func ConfigFromMap(m map[string]any) (*Config, error) {
	for k := range m {
		if !recognizedKeys[k] {
			return nil, newError(KindIoError, fmt.Sprintf("unrecognized config key %q", k), nil)
		}
	}

	root, _ := m["disk_root_path"].(string)
	cfg := defaultConfig(root)

	assignInt64 := func(key string, dst *int64) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		n, ok := toInt64(v)
		if !ok {
			return newError(KindIoError, fmt.Sprintf("config key %q must be an integer", key), nil)
		}
		*dst = n
		return nil
	}
	assignFloat := func(key string, dst *float64) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		f, ok := toFloat64(v)
		if !ok {
			return newError(KindIoError, fmt.Sprintf("config key %q must be a number", key), nil)
		}
		*dst = f
		return nil
	}

	for key, dst := range map[string]*int64{
		"memory_budget_bytes":   &cfg.MemoryBudgetBytes,
		"disk_budget_bytes":     &cfg.DiskBudgetBytes,
		"memory_max_item_bytes": &cfg.MemoryMaxItemBytes,
		"disk_min_item_bytes":   &cfg.DiskMinItemBytes,
		"disk_max_item_bytes":   &cfg.DiskMaxItemBytes,
	} {
		if err := assignInt64(key, dst); err != nil {
			return nil, err
		}
	}
	for key, dst := range map[string]*float64{
		"heat_half_life_seconds":     &cfg.HeatHalfLifeSeconds,
		"heat_alpha":                 &cfg.HeatAlpha,
		"heat_admit_memory":          &cfg.HeatAdmitMemory,
		"heat_demote":                &cfg.HeatDemote,
		"idle_grace_seconds":         &cfg.IdleGraceSeconds,
		"flush_interval_seconds":     &cfg.FlushIntervalSeconds,
		"compactor_interval_seconds": &cfg.CompactorIntervalSeconds,
		"fetch_deadline_seconds":     &cfg.FetchDeadlineSeconds,
	} {
		if err := assignFloat(key, dst); err != nil {
			return nil, err
		}
	}
	if v, ok := m["heat_freq_cap"]; ok {
		n, ok := toInt64(v)
		if !ok || n < 0 {
			return nil, newError(KindIoError, "config key \"heat_freq_cap\" must be a non-negative integer", nil)
		}
		cfg.HeatFreqCap = uint64(n)
	}
	if v, ok := m["verify_on_fetch"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, newError(KindIoError, "config key \"verify_on_fetch\" must be a bool", nil)
		}
		cfg.VerifyOnFetch = b
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
