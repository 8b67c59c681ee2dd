package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: http.addr -> PARLEY_HTTP_ADDR.
const EnvPrefix = "PARLEY"

// Config is the runtime configuration. Sources, lowest precedence first:
// defaults, the optional --config YAML file, PARLEY_* environment, flags.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Health    HealthConfig    `mapstructure:"health"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Presence  TTLConfig       `mapstructure:"presence"`
	Typing    TTLConfig       `mapstructure:"typing"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig.Addr may list several comma separated nodes for a cluster.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DatabaseConfig selects the durable archive. An empty URL keeps messages
// in process memory.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	Schema      string `mapstructure:"schema"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type SessionConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxMessages int           `mapstructure:"max_messages"`
}

type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ReadGroup    int           `mapstructure:"read_group"`
	FlushBatch   int           `mapstructure:"flush_batch"`
	StreamPage   int           `mapstructure:"stream_page"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

type HealthConfig struct {
	FailedSyncThreshold int64 `mapstructure:"failed_sync_threshold"`
}

type GatewayConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	JoinRateLimit   int           `mapstructure:"join_rate_limit"`
	JoinRateWindow  time.Duration `mapstructure:"join_rate_window"`
	MaxContentBytes int           `mapstructure:"max_content_bytes"`
	SendQueue       int           `mapstructure:"send_queue"`
	OriginRequired  bool          `mapstructure:"origin_required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	InstanceID      string        `mapstructure:"instance_id"`
}

type TTLConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type StreamConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	MaxLen    int64         `mapstructure:"max_len"`
}

type AuthConfig struct {
	Mode               string        `mapstructure:"mode"`
	PasetoPublicKeyHex string        `mapstructure:"paseto_public_key_hex"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	Issuer             string        `mapstructure:"issuer"`
	ClockSkew          time.Duration `mapstructure:"clock_skew"`
}

// AdminConfig.Token, when set, guards the admin endpoints with a bearer token.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              "0.0.0.0:8080",
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   10 * time.Second,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", Prefix: "parley"},
		Database: DatabaseConfig{MaxConns: 10, Schema: "parley"},
		Session:  SessionConfig{TTL: 20 * time.Minute, MaxMessages: 1000},
		Reconcile: ReconcileConfig{
			Interval:     5 * time.Minute,
			ReadGroup:    50,
			FlushBatch:   100,
			StreamPage:   500,
			BatchTimeout: 30 * time.Second,
			LockTTL:      10 * time.Minute,
		},
		Health: HealthConfig{FailedSyncThreshold: 25},
		Gateway: GatewayConfig{
			IdleTimeout:     30 * time.Second,
			JoinRateLimit:   10,
			JoinRateWindow:  10 * time.Second,
			MaxContentBytes: 16 << 10,
			SendQueue:       256,
			OriginRequired:  true,
			AllowedOrigins:  []string{"http://localhost", "http://127.0.0.1"},
		},
		Presence: TTLConfig{TTL: 60 * time.Second},
		Typing:   TTLConfig{TTL: 6 * time.Second},
		Stream:   StreamConfig{Retention: 24 * time.Hour, MaxLen: 10_000},
		Auth:     AuthConfig{Mode: "paseto", Issuer: "parley", ClockSkew: 30 * time.Second},
	}
}

// Flags registers the command-line flags LoadConfig understands.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("http-addr", "", "HTTP listen address (http.addr)")
	fs.String("log-level", "", "debug|info|warn|error (log.level)")
	fs.String("log-format", "", "json|text (log.format)")
	fs.String("redis-addr", "", "Redis address, comma separated for a cluster (redis.addr)")
	fs.String("database-url", "", "PostgreSQL URL; empty keeps the archive in memory (database.url)")
	fs.Bool("auto-migrate", false, "create the archive schema at startup (database.auto_migrate)")
	fs.String("auth-mode", "", "paseto|jwt (auth.mode)")
}

var flagKeys = map[string]string{
	"http-addr":    "http.addr",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"redis-addr":   "redis.addr",
	"database-url": "database.url",
	"auto-migrate": "database.auto_migrate",
	"auth-mode":    "auth.mode",
}

// LoadConfig resolves the configuration. fs must have been populated by Flags
// and parsed; it may be nil to skip flags and the config file.
func LoadConfig(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind --%s: %w", name, err)
				}
			}
		}
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if errors.As(err, &notFound) {
					return Config{}, fmt.Errorf("config: %s not found", path)
				}
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_header_timeout", d.HTTP.ReadHeaderTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.max_header_bytes", d.HTTP.MaxHeaderBytes)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.schema", d.Database.Schema)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.max_messages", d.Session.MaxMessages)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval)
	v.SetDefault("reconcile.read_group", d.Reconcile.ReadGroup)
	v.SetDefault("reconcile.flush_batch", d.Reconcile.FlushBatch)
	v.SetDefault("reconcile.stream_page", d.Reconcile.StreamPage)
	v.SetDefault("reconcile.batch_timeout", d.Reconcile.BatchTimeout)
	v.SetDefault("reconcile.lock_ttl", d.Reconcile.LockTTL)

	v.SetDefault("health.failed_sync_threshold", d.Health.FailedSyncThreshold)

	v.SetDefault("gateway.idle_timeout", d.Gateway.IdleTimeout)
	v.SetDefault("gateway.join_rate_limit", d.Gateway.JoinRateLimit)
	v.SetDefault("gateway.join_rate_window", d.Gateway.JoinRateWindow)
	v.SetDefault("gateway.max_content_bytes", d.Gateway.MaxContentBytes)
	v.SetDefault("gateway.send_queue", d.Gateway.SendQueue)
	v.SetDefault("gateway.origin_required", d.Gateway.OriginRequired)
	v.SetDefault("gateway.allowed_origins", d.Gateway.AllowedOrigins)
	v.SetDefault("gateway.instance_id", d.Gateway.InstanceID)

	v.SetDefault("presence.ttl", d.Presence.TTL)
	v.SetDefault("typing.ttl", d.Typing.TTL)
	v.SetDefault("stream.retention", d.Stream.Retention)
	v.SetDefault("stream.max_len", d.Stream.MaxLen)

	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.paseto_public_key_hex", d.Auth.PasetoPublicKeyHex)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.clock_skew", d.Auth.ClockSkew)

	v.SetDefault("admin.token", d.Admin.Token)
}

// normalize replaces non-positive numeric values with their defaults.
func (c *Config) normalize() {
	d := Defaults()

	posDur(&c.HTTP.ReadHeaderTimeout, d.HTTP.ReadHeaderTimeout)
	posDur(&c.HTTP.IdleTimeout, d.HTTP.IdleTimeout)
	posInt(&c.HTTP.MaxHeaderBytes, d.HTTP.MaxHeaderBytes)
	posDur(&c.HTTP.ShutdownTimeout, d.HTTP.ShutdownTimeout)

	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = d.Database.MaxConns
	}
	if c.Database.MinConns < 0 {
		c.Database.MinConns = 0
	}

	posDur(&c.Session.TTL, d.Session.TTL)
	posInt(&c.Session.MaxMessages, d.Session.MaxMessages)

	posDur(&c.Reconcile.Interval, d.Reconcile.Interval)
	posInt(&c.Reconcile.ReadGroup, d.Reconcile.ReadGroup)
	posInt(&c.Reconcile.FlushBatch, d.Reconcile.FlushBatch)
	posInt(&c.Reconcile.StreamPage, d.Reconcile.StreamPage)
	posDur(&c.Reconcile.BatchTimeout, d.Reconcile.BatchTimeout)
	posDur(&c.Reconcile.LockTTL, d.Reconcile.LockTTL)

	if c.Health.FailedSyncThreshold <= 0 {
		c.Health.FailedSyncThreshold = d.Health.FailedSyncThreshold
	}

	posDur(&c.Gateway.IdleTimeout, d.Gateway.IdleTimeout)
	posInt(&c.Gateway.JoinRateLimit, d.Gateway.JoinRateLimit)
	posDur(&c.Gateway.JoinRateWindow, d.Gateway.JoinRateWindow)
	posInt(&c.Gateway.MaxContentBytes, d.Gateway.MaxContentBytes)
	posInt(&c.Gateway.SendQueue, d.Gateway.SendQueue)
	c.Gateway.AllowedOrigins = splitList(c.Gateway.AllowedOrigins)

	posDur(&c.Presence.TTL, d.Presence.TTL)
	posDur(&c.Typing.TTL, d.Typing.TTL)
	posDur(&c.Stream.Retention, d.Stream.Retention)
	if c.Stream.MaxLen <= 0 {
		c.Stream.MaxLen = d.Stream.MaxLen
	}
	posDur(&c.Auth.ClockSkew, d.Auth.ClockSkew)

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
}

func (c Config) validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format must be json or text, got %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis.addr is required")
	}
	if strings.ContainsAny(c.Redis.Prefix, "{} ") || c.Redis.Prefix == "" {
		return fmt.Errorf("config: invalid redis.prefix %q", c.Redis.Prefix)
	}
	return nil
}

func posDur(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func posInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// splitList accepts both YAML lists and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
