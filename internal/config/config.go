package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/vbin/internal/failure"
)

const (
	defaultRepository   = RepositoryS3
	defaultRegion       = "us-east-1"
	defaultBootstrapper = BootstrapperStub
	defaultRulesSource  = RulesFromRepository
	defaultListenAddr   = ":8080"
	defaultLRUSize      = 1024
	defaultLogFormat    = "json"

	envPrefix     = "VBIN_"
	envConfigFile = "VBIN_CONFIG"
)

// Repository backends.
const (
	RepositoryS3  = "s3"
	RepositoryDir = "dir"
)

// Bootstrapper implementations.
const (
	BootstrapperStub   = "stub"
	BootstrapperDirect = "direct"
)

// Rule sources.
const (
	RulesFromRepository = "repository"
	RulesFromRedis      = "redis"
)

// Config holds loader configuration. It is read once at startup and passed
// down explicitly.
type Config struct {
	Repository string
	Server     string
	Database   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool

	Bootstrapper   string
	ThrowOnMissing bool
	Debug          bool
	LogLevel       slog.Level
	LogFormat      string

	CacheDir   string
	SearchPath []string

	RulesSource string
	RedisAddr   string

	LedgerPath string
	ListenAddr string
	Site       string
	LRUSize    int

	// Settings holds every key=value pair given with --cfg, including keys
	// the loader does not interpret itself.
	Settings map[string]string
}

type setter func(c *Config, v string) error

// keys lists every configuration key with the setter that applies it.
var keys = map[string]setter{
	"repository":       func(c *Config, v string) error { c.Repository = strings.ToLower(v); return nil },
	"server":           func(c *Config, v string) error { c.Server = v; return nil },
	"database":         func(c *Config, v string) error { c.Database = v; return nil },
	"access_key":       func(c *Config, v string) error { c.AccessKey = v; return nil },
	"secret_key":       func(c *Config, v string) error { c.SecretKey = v; return nil },
	"region":           func(c *Config, v string) error { c.Region = v; return nil },
	"use_ssl":          boolSetter(func(c *Config, b bool) { c.UseSSL = b }),
	"bootstrapper":     func(c *Config, v string) error { c.Bootstrapper = strings.ToLower(v); return nil },
	"throw_on_missing": boolSetter(func(c *Config, b bool) { c.ThrowOnMissing = b }),
	"debug":            boolSetter(func(c *Config, b bool) { c.Debug = b }),
	"log_level":        func(c *Config, v string) error { c.LogLevel = parseLogLevel(v); return nil },
	"log_format":       func(c *Config, v string) error { c.LogFormat = strings.ToLower(v); return nil },
	"cache_dir":        func(c *Config, v string) error { c.CacheDir = v; return nil },
	"search_path":      func(c *Config, v string) error { c.SearchPath = filepath.SplitList(v); return nil },
	"rules_source":     func(c *Config, v string) error { c.RulesSource = strings.ToLower(v); return nil },
	"redis_addr":       func(c *Config, v string) error { c.RedisAddr = v; return nil },
	"ledger_path":      func(c *Config, v string) error { c.LedgerPath = v; return nil },
	"listen_addr":      func(c *Config, v string) error { c.ListenAddr = v; return nil },
	"site":             func(c *Config, v string) error { c.Site = v; return nil },
	"lru_size": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("lru_size must be a positive integer, got %q", v)
		}
		c.LRUSize = n
		return nil
	},
}

func boolSetter(apply func(c *Config, b bool)) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		apply(c, b)
		return nil
	}
}

// Defaults returns a Config with every default applied.
func Defaults() Config {
	return Config{
		Repository:   defaultRepository,
		Region:       defaultRegion,
		Bootstrapper: defaultBootstrapper,
		LogLevel:     slog.LevelInfo,
		LogFormat:    defaultLogFormat,
		CacheDir:     filepath.Join(os.TempDir(), "vbin"),
		RulesSource:  defaultRulesSource,
		ListenAddr:   defaultListenAddr,
		LRUSize:      defaultLRUSize,
		Settings:     map[string]string{},
	}
}

// Load reads configuration from, in increasing precedence: defaults, the YAML
// file named by VBIN_CONFIG, a .env file in the working directory, and VBIN_*
// environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, failure.Wrap(failure.Configuration, "load config", err)
		}
	}

	for _, key := range sortedKeys() {
		v, ok := os.LookupEnv(envPrefix + strings.ToUpper(key))
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := keys[key](&cfg, strings.TrimSpace(v)); err != nil {
			return Config{}, failure.New(failure.Configuration, "load config", "%s%s: %v", envPrefix, strings.ToUpper(key), err)
		}
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range raw {
		key := strings.ToLower(k)
		set, ok := keys[key]
		if !ok {
			return fmt.Errorf("%s: unknown key %q", path, k)
		}
		if err := set(c, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("%s: %s: %w", path, k, err)
		}
	}
	return nil
}

// WithSettings returns a copy of c with command-line settings applied on top.
// Keys are matched case-insensitively; unknown keys are kept in Settings only.
func (c Config) WithSettings(settings map[string]string) (Config, error) {
	out := c
	out.Settings = make(map[string]string, len(c.Settings)+len(settings))
	for k, v := range c.Settings {
		out.Settings[k] = v
	}
	for k, v := range settings {
		key := strings.ToLower(k)
		out.Settings[key] = v
		if set, ok := keys[key]; ok {
			if err := set(&out, v); err != nil {
				return Config{}, failure.New(failure.Configuration, "apply settings", "%s: %v", k, err)
			}
		}
	}
	return out, nil
}

// Get returns a setting given on the command line, or def when absent.
func (c Config) Get(key, def string) string {
	if v, ok := c.Settings[strings.ToLower(key)]; ok {
		return v
	}
	return def
}

// Validate checks that the repository connection settings are present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return failure.New(failure.Configuration, "validate", "repository server address is not set (%sSERVER)", envPrefix)
	}
	if strings.TrimSpace(c.Database) == "" {
		return failure.New(failure.Configuration, "validate", "repository database name is not set (%sDATABASE)", envPrefix)
	}
	switch c.Repository {
	case RepositoryS3, RepositoryDir:
	default:
		return failure.New(failure.Configuration, "validate", "unknown repository backend %q", c.Repository)
	}
	switch c.Bootstrapper {
	case BootstrapperStub, BootstrapperDirect:
	default:
		return failure.New(failure.Configuration, "validate", "unknown bootstrapper %q", c.Bootstrapper)
	}
	switch c.RulesSource {
	case RulesFromRepository:
	case RulesFromRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return failure.New(failure.Configuration, "validate", "rules_source=redis requires %sREDIS_ADDR", envPrefix)
		}
	default:
		return failure.New(failure.Configuration, "validate", "unknown rules source %q", c.RulesSource)
	}
	return nil
}

// Environ renders the repository settings as VBIN_* environment entries so a
// child process can rebuild the same configuration.
func (c Config) Environ() []string {
	env := []string{
		envPrefix + "REPOSITORY=" + c.Repository,
		envPrefix + "SERVER=" + c.Server,
		envPrefix + "DATABASE=" + c.Database,
		envPrefix + "ACCESS_KEY=" + c.AccessKey,
		envPrefix + "SECRET_KEY=" + c.SecretKey,
		envPrefix + "REGION=" + c.Region,
		envPrefix + "USE_SSL=" + strconv.FormatBool(c.UseSSL),
		envPrefix + "THROW_ON_MISSING=" + strconv.FormatBool(c.ThrowOnMissing),
		envPrefix + "DEBUG=" + strconv.FormatBool(c.Debug),
		envPrefix + "LOG_LEVEL=" + strings.ToLower(c.LogLevel.String()),
		envPrefix + "CACHE_DIR=" + c.CacheDir,
		envPrefix + "RULES_SOURCE=" + c.RulesSource,
		envPrefix + "REDIS_ADDR=" + c.RedisAddr,
	}
	if len(c.SearchPath) > 0 {
		env = append(env, envPrefix+"SEARCH_PATH="+strings.Join(c.SearchPath, string(os.PathListSeparator)))
	}
	return env
}

func sortedKeys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// Debug mode lowers the level to debug.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level := c.LogLevel
	if c.Debug {
		level = slog.LevelDebug
	}
	return NewLogger(w, level, c.LogFormat)
}

// NewLogger creates a structured logger writing to w. Format "text" selects the
// text handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
