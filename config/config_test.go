package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jacentio/lattice/cache"
	"github.com/jacentio/lattice/loader"
	"github.com/jacentio/lattice/relation"
)

const sample = `
cache:
  ttl: 10m
  max_size: 500
  eviction_policy: LFU
loading:
  default_strategy: smart
  max_depth: 2
  fan_out_threshold: 10
  circular_strategy: proxy
validation:
  enforce_on_delete: false
cascade:
  max_operation_depth: 3
monitoring:
  slow_load_threshold: 250ms
types: [tag]
relations:
  - entity: order
    property: items
    type: one-to-many
    target: order_item
    join_column: order_id
    cascade: [remove, soft-remove]
    fan_out: 8
  - entity: order_item
    property: order
    type: many-to-one
    target: order
    owner: true
    join_column: order_id
    required: true
  - entity: order
    property: tags
    type: many-to-many
    target: tag
    loading: lazy
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cc := cfg.CacheOptions()
	if cc.TTL != 10*time.Minute || cc.MaxSize != 500 || cc.EvictionPolicy != cache.LFU {
		t.Errorf("unexpected cache config %+v", cc)
	}
	if cc.KeyPrefix != "lattice" {
		t.Errorf("expected default key prefix, got %q", cc.KeyPrefix)
	}

	lc := cfg.LoaderOptions()
	if lc.DefaultStrategy != relation.Smart || lc.MaxDepth != 2 || lc.CircularStrategy != loader.Proxy {
		t.Errorf("unexpected loader config %+v", lc)
	}
	if lc.BatchSize != 100 || lc.FanOutThreshold != 10 || lc.SlowLoadThreshold != 250*time.Millisecond {
		t.Errorf("unexpected loader config %+v", lc)
	}

	vc := cfg.ValidatorOptions()
	if vc.EnforceOnDelete || !vc.EnforceOnInsert || !vc.ValidateCircularReferences || vc.MaxDepth != 2 {
		t.Errorf("unexpected validator config %+v", vc)
	}

	kc := cfg.CascadeOptions()
	if !kc.Enabled || kc.MaxOperationDepth != 3 || !kc.EnableTransactionRollback {
		t.Errorf("unexpected cascade config %+v", kc)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"policy", "cache:\n  eviction_policy: fifo\n"},
		{"strategy", "loading:\n  default_strategy: greedy\n"},
		{"circular", "loading:\n  circular_strategy: drop\n"},
		{"duration", "cache:\n  ttl: soon\n"},
		{"hit rate", "monitoring:\n  min_hit_rate: 2\n"},
		{"validation depth", "validation:\n  max_depth: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}
	if !reg.Sealed() {
		t.Error("expected sealed registry")
	}

	items, ok := reg.Lookup("order", "items")
	if !ok {
		t.Fatal("expected order.items")
	}
	if !items.CascadesOn(relation.OpRemove) || items.CascadesOn(relation.OpInsert) || items.EstimatedFanOut != 8 {
		t.Errorf("unexpected metadata %+v", items)
	}
	if tags, _ := reg.Lookup("order", "tags"); tags.LoadingStrategy != relation.Lazy {
		t.Errorf("expected lazy tags, got %q", tags.LoadingStrategy)
	}
	if back, _ := reg.Lookup("order_item", "order"); !back.IsOwner || !back.Required {
		t.Errorf("unexpected metadata %+v", back)
	}
}

func TestRegistry_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relations = []RelationConfig{
		{Entity: "order", Property: "items", Type: "one-to-many", Target: "order_item"},
		{Entity: "order", Property: "items", Type: "many-to-many", Target: "order_item"},
		{Entity: "order", Property: "notes", Type: "one-to-many", Target: "note", Cascade: []string{"archive"}},
	}
	_, err := cfg.Registry()
	if !errors.Is(err, relation.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var ce *relation.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigurationError, got %T", err)
	}
}

func TestRegistry_UnknownTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relations = []RelationConfig{
		{Entity: "order", Property: "customer", Type: "many-to-one", Target: "customer", Owner: true},
	}
	if _, err := cfg.Registry(); !errors.Is(err, relation.ErrConfiguration) {
		t.Errorf("expected unknown target to fail, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LATTICE_CONFIG", path)
	loaded, found, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if found != path {
		t.Errorf("expected %s, got %s", path, found)
	}
	if loaded.Cache.TTL.Duration() != 10*time.Minute || len(loaded.Relations) != 3 {
		t.Errorf("unexpected loaded config %+v", loaded)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LATTICE_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, path, err := Load()
	if err != nil || path != "" {
		t.Fatalf("expected defaults, got path=%q err=%v", path, err)
	}
	if cfg.Loading.MaxDepth != 3 || cfg.Cascade.MaxOperationDepth != 5 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestDuration(t *testing.T) {
	d := Duration(5 * time.Minute)
	if d.Duration() != 5*time.Minute {
		t.Errorf("Duration() = %s, want 5m", d.Duration())
	}
	v, err := d.MarshalYAML()
	if err != nil || v != "5m0s" {
		t.Errorf("MarshalYAML() = %v, %v", v, err)
	}
}

func TestBackendOptions(t *testing.T) {
	cfg, err := Parse([]byte(`
dynamodb:
  table_prefix: shop_
  num_shards: 8
  purge_after: 72h
  unique_fields:
    customer: [email]
sql:
  user: lattice
  database: shop
  log_level: info
redis:
  addr: redis:6379
  db: 2
  channel: shop:invalidate
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	sc := cfg.StoreOptions()
	if sc.TablePrefix != "shop_" || sc.NumShards != 8 || sc.PurgeAfter != 72*time.Hour {
		t.Errorf("unexpected store config: %+v", sc)
	}
	if sc.RelationshipTable != "lattice_relationships" || sc.UniqueTable != "lattice_unique_constraints" {
		t.Errorf("expected default table names, got %q %q", sc.RelationshipTable, sc.UniqueTable)
	}
	if got := sc.UniqueFields["customer"]; len(got) != 1 || got[0] != "email" {
		t.Errorf("expected unique email on customer, got %v", got)
	}

	qc := cfg.SQLOptions()
	if qc.Host != "127.0.0.1" || qc.Port != 3306 || qc.User != "lattice" || qc.Database != "shop" {
		t.Errorf("unexpected sql config: %+v", qc)
	}
	if qc.LogLevel != "info" || qc.RemovedColumn != "deleted_at" {
		t.Errorf("expected log level info and default removed column, got %q %q", qc.LogLevel, qc.RemovedColumn)
	}

	ro := cfg.RedisOptions()
	if ro.Addr != "redis:6379" || ro.DB != 2 {
		t.Errorf("unexpected redis options: %+v", ro)
	}
	if got := cfg.BusOptions().Channel; got != "shop:invalidate" {
		t.Errorf("expected channel shop:invalidate, got %q", got)
	}
}

func TestValidatorOptions_Depth(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want int
	}{
		{"follows loading", "loading:\n  max_depth: 2\n", 2},
		{"own setting", "loading:\n  max_depth: 0\nvalidation:\n  max_depth: 5\n", 5},
		{"root-only loading", "loading:\n  max_depth: 0\nvalidation:\n  max_depth: 1\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.doc))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := cfg.ValidatorOptions().MaxDepth; got != tt.want {
				t.Errorf("MaxDepth = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSampler(t *testing.T) {
	cfg, err := Parse([]byte("monitoring:\n  sample_interval: 30s\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitoring.MinHitRate != 0.5 {
		t.Fatalf("expected default min_hit_rate 0.5, got %v", cfg.Monitoring.MinHitRate)
	}

	tests := []struct {
		name     string
		hits     int
		misses   int
		wantWarn bool
	}{
		{"low", 1, 9, true},
		{"high", 9, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cache.New(cache.DefaultConfig())
			var buf bytes.Buffer
			s := cfg.Sampler(c, slog.New(slog.NewTextHandler(&buf, nil)))

			c.Set("hit", 1, 0)
			for range tt.hits {
				c.Get("hit")
			}
			for i := range tt.misses {
				c.Get(fmt.Sprintf("miss-%d", i))
			}
			s.Sample()
			if got := strings.Contains(buf.String(), "hit rate below threshold"); got != tt.wantWarn {
				t.Errorf("warning = %v, want %v: %s", got, tt.wantWarn, buf.String())
			}
		})
	}
}
