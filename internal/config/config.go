// Package config loads modeld settings from defaults, an optional file and
// MODELD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/tinoosan/modeld/internal/inference"
	"github.com/tinoosan/modeld/internal/pressure"
)

const EnvPrefix = "MODELD"

type Config struct {
	HTTP      HTTPConfig               `mapstructure:"http"`
	Cache     CacheConfig              `mapstructure:"cache"`
	Bundled   BundledConfig            `mapstructure:"bundled"`
	Remote    RemoteConfig             `mapstructure:"remote"`
	Download  DownloadConfig           `mapstructure:"download"`
	Lifecycle LifecycleConfig          `mapstructure:"lifecycle"`
	Pressure  PressureConfig           `mapstructure:"pressure"`
	Log       LogConfig                `mapstructure:"log"`
	DB        DBConfig                 `mapstructure:"db"`
	Modules   []inference.ModuleConfig `mapstructure:"modules"`
}

type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type CacheConfig struct {
	Root             string `mapstructure:"root"`
	MinArtifactBytes int64  `mapstructure:"min_artifact_bytes"`
}

type BundledConfig struct {
	Dir string `mapstructure:"dir"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DownloadConfig struct {
	MaxConcurrent int   `mapstructure:"max_concurrent"`
	ChunkBytes    int64 `mapstructure:"chunk_bytes"`
}

type LifecycleConfig struct {
	ModerateIdle   time.Duration `mapstructure:"moderate_idle"`
	BackgroundIdle time.Duration `mapstructure:"background_idle"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReadyWait      time.Duration `mapstructure:"ready_wait"`
}

type PressureConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	ProcRoot               string        `mapstructure:"proc_root"`
	ModerateAvailableRatio float64       `mapstructure:"moderate_available_ratio"`
	CriticalAvailableRatio float64       `mapstructure:"critical_available_ratio"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// DBConfig selects the attempt ledger. With driver "postgres" and no dsn
// the POSTGRES_* variables are used.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Load reads path (optional) and the environment on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		p, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("http.token", "")
	v.SetDefault("cache.root", "~/.cache/modeld")
	v.SetDefault("cache.min_artifact_bytes", 512)
	v.SetDefault("bundled.dir", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("download.max_concurrent", 2)
	v.SetDefault("download.chunk_bytes", "64KiB")
	v.SetDefault("lifecycle.moderate_idle", "30s")
	v.SetDefault("lifecycle.background_idle", "5m")
	v.SetDefault("lifecycle.idle_timeout", "0s")
	v.SetDefault("lifecycle.ready_wait", "10s")
	v.SetDefault("pressure.poll_interval", "10s")
	v.SetDefault("pressure.proc_root", "/proc")
	v.SetDefault("pressure.moderate_available_ratio", 0.15)
	v.SetDefault("pressure.critical_available_ratio", 0.05)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("modules", []map[string]any{})
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Cache.Root, &c.Bundled.Dir, &c.Log.File} {
		if *p == "" {
			continue
		}
		exp, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = exp
	}
	return nil
}

var ErrInvalid = errors.New("invalid config")

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if strings.TrimSpace(c.Cache.Root) == "" {
		errs = append(errs, errors.New("cache.root is required"))
	}
	if c.Cache.MinArtifactBytes < 0 {
		errs = append(errs, errors.New("cache.min_artifact_bytes must not be negative"))
	}
	if c.Download.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("download.max_concurrent must be positive"))
	}
	if c.Download.ChunkBytes <= 0 {
		errs = append(errs, errors.New("download.chunk_bytes must be positive"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	p := c.Pressure
	if p.CriticalAvailableRatio < 0 || p.ModerateAvailableRatio >= 1 || p.CriticalAvailableRatio > p.ModerateAvailableRatio {
		errs = append(errs, errors.New("pressure ratios must satisfy 0 <= critical <= moderate < 1"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.DB.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver must be memory or postgres, got %q", c.DB.Driver))
	}
	seen := map[string]bool{}
	for _, m := range c.Modules {
		if m.Name == "" || m.Model == "" {
			errs = append(errs, fmt.Errorf("module needs a name and a model: %+v", m))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate module %q", m.Name))
		}
		seen[m.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Policy is the eviction policy configured under lifecycle.*.
func (c *Config) Policy() pressure.Policy {
	return pressure.Policy{
		ModerateIdle:   c.Lifecycle.ModerateIdle,
		BackgroundIdle: c.Lifecycle.BackgroundIdle,
		IdleTimeout:    c.Lifecycle.IdleTimeout,
	}
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// byteSizeHook accepts plain integers and sizes such as "64KiB" or "1MB" for
// integer fields.
func byteSizeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int64:
		default:
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return data, nil
		}
		n, err := ParseBytes(s)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
	{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// ParseBytes parses a byte count with an optional unit suffix.
func ParseBytes(s string) (int64, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(lower, u.suffix) {
			lower = strings.TrimSpace(strings.TrimSuffix(lower, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseFloat(lower, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return int64(n * float64(mult)), nil
}
