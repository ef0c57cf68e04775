// Package config loads the buyorders configuration file.
//
// YAML and TOML files are decoded into a generic document and unified with
// an embedded CUE schema, which rejects unknown fields and bad values and
// supplies every default. The result is converted into Config.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/buyorders/internal/market"
)

//go:embed schema.cue
var schemaSource string

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Config is the validated configuration.
type Config struct {
	Database                string
	Listen                  string
	OrderTTL                time.Duration
	MaxOrdersPerPlacer      int
	SettlementFlushInterval time.Duration

	// ExpirySettlementInterval is how often serve refunds and deletes
	// drained EXPIRED orders. Zero leaves them for an explicit cancel.
	ExpirySettlementInterval time.Duration

	Cache     CacheConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Sandbox   SandboxConfig
}

// CacheConfig holds the order cache TTLs.
type CacheConfig struct {
	ActiveTTL time.Duration
	PlacerTTL time.Duration
	Retain    time.Duration
}

// LogConfig selects the log handler and its output.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SlogLevel converts Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// RateLimitConfig bounds HTTP requests per client.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// SandboxConfig seeds the in-process collaborators.
type SandboxConfig struct {
	Actors map[string]ActorConfig
}

// ActorIDs returns the configured actors in sorted order.
func (c SandboxConfig) ActorIDs() []string {
	ids := make([]string, 0, len(c.Actors))
	for id := range c.Actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActorConfig is the starting state of one sandbox actor.
type ActorConfig struct {
	Balance  decimal.Decimal
	Online   bool
	Capacity int
	Items    []market.Batch
}

// document mirrors the schema. Field names follow the file keys.
type document struct {
	Database                 string `json:"database"`
	Listen                   string `json:"listen"`
	OrderTTL                 string `json:"order_ttl"`
	MaxOrdersPerPlacer       int    `json:"max_orders_per_placer"`
	SettlementFlushInterval  string `json:"settlement_flush_interval"`
	ExpirySettlementInterval string `json:"expiry_settlement_interval"`
	Cache                    struct {
		ActiveTTL string `json:"active_ttl"`
		PlacerTTL string `json:"placer_ttl"`
		Retain    string `json:"retain"`
	} `json:"cache"`
	Log struct {
		Level      string `json:"level"`
		Format     string `json:"format"`
		File       string `json:"file"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"log"`
	RateLimit struct {
		RequestsPerMinute int `json:"requests_per_minute"`
		Burst             int `json:"burst"`
	} `json:"rate_limit"`
	Sandbox struct {
		Actors map[string]struct {
			Balance  string `json:"balance"`
			Online   bool   `json:"online"`
			Capacity int    `json:"capacity"`
			Items    []struct {
				Type     string            `json:"type"`
				Meta     map[string]string `json:"meta"`
				Quantity int               `json:"quantity"`
			} `json:"items"`
		} `json:"actors"`
	} `json:"sandbox"`
}

// Default returns the configuration of an empty file.
func Default() Config {
	cfg, err := fromDocument(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema rejects empty document: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path. The format follows the
// extension: .yaml, .yml or .toml.
func Load(path string) (Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
}

// Parse validates a configuration document.
func Parse(data []byte, format Format) (Config, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("parse config: unknown format %q", format)
	}
	return fromDocument(raw)
}

// fromDocument unifies raw with the schema and converts the result.
func fromDocument(raw map[string]any) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if raw == nil {
		raw = map[string]any{}
	}
	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	var doc document
	if err := v.Decode(&doc); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return doc.convert()
}

func (d document) convert() (Config, error) {
	cfg := Config{
		Database:           d.Database,
		Listen:             d.Listen,
		MaxOrdersPerPlacer: d.MaxOrdersPerPlacer,
		Log: LogConfig{
			Level:      d.Log.Level,
			Format:     d.Log.Format,
			File:       d.Log.File,
			MaxSizeMB:  d.Log.MaxSizeMB,
			MaxBackups: d.Log.MaxBackups,
			MaxAgeDays: d.Log.MaxAgeDays,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: d.RateLimit.RequestsPerMinute,
			Burst:             d.RateLimit.Burst,
		},
		Sandbox: SandboxConfig{Actors: make(map[string]ActorConfig, len(d.Sandbox.Actors))},
	}

	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"order_ttl", d.OrderTTL, &cfg.OrderTTL},
		{"settlement_flush_interval", d.SettlementFlushInterval, &cfg.SettlementFlushInterval},
		{"expiry_settlement_interval", d.ExpirySettlementInterval, &cfg.ExpirySettlementInterval},
		{"cache.active_ttl", d.Cache.ActiveTTL, &cfg.Cache.ActiveTTL},
		{"cache.placer_ttl", d.Cache.PlacerTTL, &cfg.Cache.PlacerTTL},
		{"cache.retain", d.Cache.Retain, &cfg.Cache.Retain},
	} {
		dur, err := time.ParseDuration(f.src)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = dur
	}
	if cfg.OrderTTL <= 0 {
		return Config{}, fmt.Errorf("order_ttl: must be positive")
	}

	for id, a := range d.Sandbox.Actors {
		balance, err := decimal.NewFromString(a.Balance)
		if err != nil {
			return Config{}, fmt.Errorf("sandbox.actors.%s.balance: %w", id, err)
		}
		ac := ActorConfig{Balance: balance, Online: a.Online, Capacity: a.Capacity}
		for i, it := range a.Items {
			item := market.Item{Type: it.Type, Meta: it.Meta}
			if err := item.Validate(); err != nil {
				return Config{}, fmt.Errorf("sandbox.actors.%s.items[%d]: %w", id, i, err)
			}
			ac.Items = append(ac.Items, market.Batch{Item: item, Quantity: it.Quantity})
		}
		cfg.Sandbox.Actors[id] = ac
	}
	return cfg, nil
}
