// Package config loads engine settings and declarative relation metadata
// from YAML.
//
// Config file locations (priority order):
//  1. $LATTICE_CONFIG
//  2. ./lattice.yaml
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/lattice/cache"
	"github.com/jacentio/lattice/cascade"
	"github.com/jacentio/lattice/invalidate"
	"github.com/jacentio/lattice/loader"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/sqlstore"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/validate"
)

// Config is the root configuration document.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Loading    LoadingConfig    `yaml:"loading"`
	Validation ValidationConfig `yaml:"validation"`
	Cascade    CascadeConfig    `yaml:"cascade"`
	Monitoring MonitoringConfig `yaml:"monitoring"`

	// Types declares entity types that only appear as relation targets.
	Types     []string         `yaml:"types,omitempty"`
	Relations []RelationConfig `yaml:"relations"`

	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	SQL      SQLConfig      `yaml:"sql"`
	Redis    RedisConfig    `yaml:"redis"`
}

// CacheConfig configures the relationship cache.
type CacheConfig struct {
	TTL            Duration `yaml:"ttl"`
	MaxSize        int      `yaml:"max_size"`
	EvictionPolicy string   `yaml:"eviction_policy"`
	KeyPrefix      string   `yaml:"key_prefix"`
	Compression    bool     `yaml:"compression"`
}

// LoadingConfig configures the relationship loader.
type LoadingConfig struct {
	DefaultStrategy  string `yaml:"default_strategy"`
	MaxDepth         int    `yaml:"max_depth"`
	BatchSize        int    `yaml:"batch_size"`
	FanOutThreshold  int    `yaml:"fan_out_threshold"`
	CircularStrategy string `yaml:"circular_strategy"`
}

// ValidationConfig configures the relationship validator.
type ValidationConfig struct {
	EnforceOnInsert            bool `yaml:"enforce_on_insert"`
	EnforceOnUpdate            bool `yaml:"enforce_on_update"`
	EnforceOnDelete            bool `yaml:"enforce_on_delete"`
	EnforceOnRecover           bool `yaml:"enforce_on_recover"`
	ValidateCircularReferences bool `yaml:"validate_circular_references"`

	// MaxDepth bounds the circular reference search. 0 follows
	// loading.max_depth when that is positive, else the validator default
	// of 3.
	MaxDepth int `yaml:"max_depth,omitempty"`
}

// CascadeConfig configures the cascade manager.
type CascadeConfig struct {
	Enabled                   bool `yaml:"enabled"`
	MaxOperationDepth         int  `yaml:"max_operation_depth"`
	EnableTransactionRollback bool `yaml:"enable_transaction_rollback"`
}

// MonitoringConfig holds advisory thresholds.
type MonitoringConfig struct {
	SampleInterval    Duration `yaml:"sample_interval"`
	MinHitRate        float64  `yaml:"min_hit_rate"`
	SlowLoadThreshold Duration `yaml:"slow_load_threshold"`
}

// DynamoDBConfig configures the DynamoDB store.
type DynamoDBConfig struct {
	TablePrefix       string   `yaml:"table_prefix"`
	RelationshipTable string   `yaml:"relationship_table"`
	UniqueTable       string   `yaml:"unique_table"`
	NumShards         int      `yaml:"num_shards"`
	PurgeAfter        Duration `yaml:"purge_after"`

	// UniqueFields lists unique attributes per entity type.
	UniqueFields map[string][]string `yaml:"unique_fields,omitempty"`
}

// SQLConfig configures the MySQL store.
type SQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	TablePrefix string `yaml:"table_prefix"`
	LogLevel    string `yaml:"log_level"`
}

// RedisConfig configures the invalidation bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	cc := cache.DefaultConfig()
	lc := loader.DefaultConfig()
	vc := validate.DefaultConfig()
	kc := cascade.DefaultConfig()
	return &Config{
		Cache: CacheConfig{
			TTL:            Duration(cc.TTL),
			MaxSize:        cc.MaxSize,
			EvictionPolicy: string(cc.EvictionPolicy),
			KeyPrefix:      cc.KeyPrefix,
		},
		Loading: LoadingConfig{
			DefaultStrategy:  string(lc.DefaultStrategy),
			MaxDepth:         lc.MaxDepth,
			BatchSize:        lc.BatchSize,
			FanOutThreshold:  lc.FanOutThreshold,
			CircularStrategy: string(lc.CircularStrategy),
		},
		Validation: ValidationConfig{
			EnforceOnInsert:            vc.EnforceOnInsert,
			EnforceOnUpdate:            vc.EnforceOnUpdate,
			EnforceOnDelete:            vc.EnforceOnDelete,
			EnforceOnRecover:           vc.EnforceOnRecover,
			ValidateCircularReferences: vc.ValidateCircularReferences,
		},
		Cascade: CascadeConfig{
			Enabled:                   kc.Enabled,
			MaxOperationDepth:         kc.MaxOperationDepth,
			EnableTransactionRollback: kc.EnableTransactionRollback,
		},
		Monitoring: MonitoringConfig{
			SampleInterval: Duration(time.Minute),
			MinHitRate:     0.5,
		},
		DynamoDB: DynamoDBConfig{
			TablePrefix:       "lattice_",
			RelationshipTable: "lattice_relationships",
			UniqueTable:       "lattice_unique_constraints",
			NumShards:         1,
			PurgeAfter:        Duration(30 * 24 * time.Hour),
		},
		SQL: SQLConfig{
			Host:     "127.0.0.1",
			Port:     3306,
			LogLevel: "error",
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Channel: "lattice:invalidate",
		},
	}
}

// FindConfigPath returns the first existing config file, or "".
func FindConfigPath() string {
	if p := os.Getenv("LATTICE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("lattice.yaml"); err == nil {
		return "lattice.yaml"
	}
	return ""
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	cfg, err := LoadFromPath(path)
	return cfg, path, err
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and checks it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cache.ParsePolicy(c.Cache.EvictionPolicy); err != nil {
		errs = append(errs, err)
	}
	if !relation.Strategy(c.Loading.DefaultStrategy).Valid() {
		errs = append(errs, fmt.Errorf("lattice: unknown loading strategy %q", c.Loading.DefaultStrategy))
	}
	if _, err := loader.ParseCycleStrategy(c.Loading.CircularStrategy); err != nil {
		errs = append(errs, err)
	}
	if c.Loading.MaxDepth < 0 {
		errs = append(errs, errors.New("lattice: loading.max_depth must be >= 0"))
	}
	if c.Validation.MaxDepth < 0 {
		errs = append(errs, errors.New("lattice: validation.max_depth must be >= 0"))
	}
	if c.Monitoring.MinHitRate < 0 || c.Monitoring.MinHitRate > 1 {
		errs = append(errs, errors.New("lattice: monitoring.min_hit_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// CacheOptions returns the cache configuration.
func (c *Config) CacheOptions() cache.Config {
	policy, _ := cache.ParsePolicy(c.Cache.EvictionPolicy)
	return cache.Config{
		TTL:            c.Cache.TTL.Duration(),
		MaxSize:        c.Cache.MaxSize,
		EvictionPolicy: policy,
		KeyPrefix:      c.Cache.KeyPrefix,
		Compression:    c.Cache.Compression,
	}
}

// LoaderOptions returns the loader configuration.
func (c *Config) LoaderOptions() loader.Config {
	strategy, _ := loader.ParseCycleStrategy(c.Loading.CircularStrategy)
	return loader.Config{
		DefaultStrategy:   relation.Strategy(c.Loading.DefaultStrategy),
		MaxDepth:          c.Loading.MaxDepth,
		BatchSize:         c.Loading.BatchSize,
		FanOutThreshold:   c.Loading.FanOutThreshold,
		CircularStrategy:  strategy,
		TTL:               c.Cache.TTL.Duration(),
		SlowLoadThreshold: c.Monitoring.SlowLoadThreshold.Duration(),
	}
}

// Sampler returns a metrics sampler for c. min_hit_rate is a fraction; the
// sampler threshold is a percentage.
func (c *Config) Sampler(cc *cache.Cache, logger *slog.Logger) *cache.Sampler {
	return cache.NewSampler(cc, c.Monitoring.SampleInterval.Duration(), c.Monitoring.MinHitRate*100, logger)
}

// ValidatorOptions returns the validator configuration. Circular references
// are searched up to validation.max_depth, falling back to the loading depth.
func (c *Config) ValidatorOptions() validate.Config {
	depth := c.Validation.MaxDepth
	if depth == 0 {
		depth = c.Loading.MaxDepth
	}
	return validate.Config{
		EnforceOnInsert:            c.Validation.EnforceOnInsert,
		EnforceOnUpdate:            c.Validation.EnforceOnUpdate,
		EnforceOnDelete:            c.Validation.EnforceOnDelete,
		EnforceOnRecover:           c.Validation.EnforceOnRecover,
		ValidateCircularReferences: c.Validation.ValidateCircularReferences,
		MaxDepth:                   depth,
	}
}

// CascadeOptions returns the cascade manager configuration.
func (c *Config) CascadeOptions() cascade.Config {
	return cascade.Config{
		Enabled:                   c.Cascade.Enabled,
		MaxOperationDepth:         c.Cascade.MaxOperationDepth,
		EnableTransactionRollback: c.Cascade.EnableTransactionRollback,
	}
}

// StoreOptions returns the DynamoDB store configuration.
func (c *Config) StoreOptions() store.Config {
	return store.Config{
		TablePrefix:       c.DynamoDB.TablePrefix,
		RelationshipTable: c.DynamoDB.RelationshipTable,
		UniqueTable:       c.DynamoDB.UniqueTable,
		NumShards:         c.DynamoDB.NumShards,
		PurgeAfter:        c.DynamoDB.PurgeAfter.Duration(),
		UniqueFields:      c.DynamoDB.UniqueFields,
	}
}

// SQLOptions returns the MySQL store configuration. Pool settings keep
// their defaults.
func (c *Config) SQLOptions() sqlstore.Config {
	sc := sqlstore.DefaultConfig()
	sc.Host = c.SQL.Host
	sc.Port = c.SQL.Port
	sc.User = c.SQL.User
	sc.Password = c.SQL.Password
	sc.Database = c.SQL.Database
	sc.TablePrefix = c.SQL.TablePrefix
	if c.SQL.LogLevel != "" {
		sc.LogLevel = c.SQL.LogLevel
	}
	return sc
}

// RedisOptions returns the client options for the invalidation bus.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// BusOptions returns the invalidation bus configuration.
func (c *Config) BusOptions() invalidate.Config {
	return invalidate.Config{Channel: c.Redis.Channel}
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
