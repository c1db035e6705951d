package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/evalsandbox/internal/db"
	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/logging"
	"github.com/rpattn/evalsandbox/internal/telemetry"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  db.Config        `mapstructure:"database"`
	Backend   BackendConfig    `mapstructure:"backend"`
	Metadata  MetadataConfig   `mapstructure:"metadata"`
	Snapshots SnapshotConfig   `mapstructure:"snapshots"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Diff      DiffConfig       `mapstructure:"diff"`
	Log       logging.Config   `mapstructure:"log"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// BackendConfig selects the store holding template and environment namespaces.
type BackendConfig struct {
	Driver    string `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	SQLiteDir string `mapstructure:"sqlite_dir" validate:"required_if=Driver sqlite"`
	// Seeds maps template namespaces to snapshot JSON files loaded at start
	// by the memory driver.
	Seeds map[string]string `mapstructure:"seeds"`
}

// MetadataConfig selects where environment and run records live.
type MetadataConfig struct {
	Store string `mapstructure:"store" validate:"oneof=postgres memory"`
	// Migrate applies embedded migrations on start.
	Migrate bool `mapstructure:"migrate"`
}

type SnapshotConfig struct {
	Store      string `mapstructure:"store" validate:"oneof=memory badger"`
	BadgerPath string `mapstructure:"badger_path"`
}

type PoolConfig struct {
	// Templates maps template names to their backing namespace.
	Templates         map[string]string `mapstructure:"templates"`
	Targets           map[string]int    `mapstructure:"-"`
	TTL               time.Duration     `mapstructure:"ttl" validate:"gt=0"`
	CloneTimeout      time.Duration     `mapstructure:"clone_timeout" validate:"gt=0"`
	ClaimTimeout      time.Duration     `mapstructure:"claim_timeout" validate:"gt=0"`
	ReplenishInterval time.Duration     `mapstructure:"replenish_interval" validate:"gt=0"`
	SweepInterval     time.Duration     `mapstructure:"sweep_interval" validate:"gt=0"`
	Concurrency       int64             `mapstructure:"concurrency" validate:"min=1"`
	CloneRate         float64           `mapstructure:"clone_rate" validate:"min=0"`
}

// TemplateList returns the configured templates ordered by name.
func (p PoolConfig) TemplateList() []domain.Template {
	templates := make([]domain.Template, 0, len(p.Templates))
	for name, namespace := range p.Templates {
		templates = append(templates, domain.Template{Name: name, Namespace: namespace})
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates
}

type DiffConfig struct {
	// Unordered lists array fields compared as multisets, keyed by table or
	// "global".
	Unordered map[string][]string `mapstructure:"unordered"`
}

// UnorderedFields converts the configured fields to a FieldSet.
func (d DiffConfig) UnorderedFields() domain.FieldSet {
	set := domain.FieldSet{PerTable: map[string][]string{}}
	for table, fields := range d.Unordered {
		if table == domain.GlobalFieldSetKey {
			set.Global = append(set.Global, fields...)
			continue
		}
		set.PerTable[table] = append(set.PerTable[table], fields...)
	}
	return set
}

// ParsePoolTargets parses "template:count,template:count".
func ParsePoolTargets(raw string) (map[string]int, error) {
	targets := map[string]int{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, count, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid pool target %q: want template:count", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid pool target count in %q", part)
		}
		targets[name] = n
	}
	return targets, nil
}
