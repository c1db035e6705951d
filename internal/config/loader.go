package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "SANDBOX"

// Loader reads configuration from an optional YAML file overlaid with
// SANDBOX_ environment variables.
type Loader struct {
	v        *viper.Viper
	logger   *slog.Logger
	validate *validator.Validate
	mu       sync.Mutex
}

// NewLoader prepares a loader. configFile may be empty, in which case
// config.yaml is searched for in configPath.
func NewLoader(configFile, configPath string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath == "" {
			configPath = "."
		}
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{
		v:        v,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "eval_sandbox")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("backend.driver", "postgres")
	v.SetDefault("backend.sqlite_dir", "./data/namespaces")
	v.SetDefault("metadata.store", "postgres")
	v.SetDefault("metadata.migrate", true)
	v.SetDefault("snapshots.store", "memory")
	v.SetDefault("snapshots.badger_path", "")

	v.SetDefault("pool.targets", "")
	v.SetDefault("pool.ttl", "1h")
	v.SetDefault("pool.clone_timeout", "1m")
	v.SetDefault("pool.claim_timeout", "5s")
	v.SetDefault("pool.replenish_interval", "30s")
	v.SetDefault("pool.sweep_interval", "1m")
	v.SetDefault("pool.concurrency", 2)
	v.SetDefault("pool.clone_rate", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.no_color", false)

	v.SetDefault("telemetry.service_name", "evalsandbox")
	v.SetDefault("telemetry.trace_exporter", "none")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Load reads the file when present and returns the validated configuration.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		l.logger.Info("no config file found, using defaults and environment")
	} else {
		l.logger.Info("loaded config file", "path", l.v.ConfigFileUsed())
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	targets, err := poolTargets(l.v.Get("pool.targets"))
	if err != nil {
		return Config{}, err
	}
	cfg.Pool.Targets = targets

	if err := l.validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	for name := range cfg.Pool.Targets {
		if _, ok := cfg.Pool.Templates[name]; !ok {
			return Config{}, fmt.Errorf("invalid config: pool target for unknown template %q", name)
		}
	}
	return cfg, nil
}

// poolTargets accepts either a map or the "template:count,..." string form.
func poolTargets(raw any) (map[string]int, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]int{}, nil
	case string:
		return ParsePoolTargets(v)
	case map[string]any:
		targets := make(map[string]int, len(v))
		for name, count := range v {
			n, err := targetCount(count)
			if err != nil {
				return nil, fmt.Errorf("invalid pool target count for %q: %w", name, err)
			}
			targets[name] = n
		}
		return targets, nil
	default:
		return nil, fmt.Errorf("invalid pool targets of type %T", raw)
	}
}

func targetCount(value any) (int, error) {
	var n int
	switch v := value.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
		if float64(n) != v {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, err
		}
		n = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}

// FileUsed returns the path of the loaded config file, if any.
func (l *Loader) FileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file on every change and hands the result to
// onChange. Invalid edits are logged and skipped.
func (l *Loader) Watch(onChange func(Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			l.logger.Warn("ignoring invalid config change", "path", e.Name, "error", err)
			return
		}
		l.logger.Info("config reloaded", "path", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	l.v.WatchConfig()
}
