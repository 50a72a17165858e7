// Package config loads and validates fetcher configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Lock backends.
const (
	LockStore = "store"
	LockRedis = "redis"
	LockNone  = "none"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Source    SourceConfig    `mapstructure:"source"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Lock      LockConfig      `mapstructure:"lock"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP trigger server.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	TriggerPath string `mapstructure:"trigger_path"`
}

// AuthConfig holds the shared secret guarding the HTTP trigger.
type AuthConfig struct {
	CronSecret string `mapstructure:"cron_secret"`
}

// SourceConfig describes the remote news API and pagination limits.
type SourceConfig struct {
	BaseURL               string  `mapstructure:"base_url"`
	PageSize              int     `mapstructure:"page_size"`
	MaxPages              int     `mapstructure:"max_pages"`
	TimeoutSeconds        int     `mapstructure:"timeout_seconds"`
	ConnectTimeoutSeconds int     `mapstructure:"connect_timeout_seconds"`
	UserAgent             string  `mapstructure:"user_agent"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second"`
}

// SchedulerConfig sets the recurring run interval.
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// MongoConfig controls access to the document store.
type MongoConfig struct {
	URL                           string `mapstructure:"url"`
	User                          string `mapstructure:"user"`
	Password                      string `mapstructure:"password"`
	Host                          string `mapstructure:"host"`
	AppName                       string `mapstructure:"app_name"`
	Database                      string `mapstructure:"database"`
	ArticlesCollection            string `mapstructure:"articles_collection"`
	RunLogsCollection             string `mapstructure:"run_logs_collection"`
	LeasesCollection              string `mapstructure:"leases_collection"`
	ConnectTimeoutSeconds         int    `mapstructure:"connect_timeout_seconds"`
	ServerSelectionTimeoutSeconds int    `mapstructure:"server_selection_timeout_seconds"`
}

// PostgresConfig controls access to the relational store backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LockConfig controls the cross-process run lease.
type LockConfig struct {
	Backend    string `mapstructure:"backend"`
	Name       string `mapstructure:"name"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	RedisURL   string `mapstructure:"redis_url"`
}

// ArchiveConfig controls where raw API pages are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig toggles OpenTelemetry trace context for runs.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// legacyEnv maps config keys to the unprefixed variable names the fetcher
// has always been deployed with.
var legacyEnv = map[string]string{
	"auth.cron_secret":           "CRON_SECRET",
	"mongo.url":                  "MONGO_URL",
	"mongo.user":                 "MONGO_USER",
	"mongo.password":             "MONGO_PASSWORD",
	"mongo.host":                 "MONGO_HOST",
	"mongo.database":             "DB_NAME",
	"scheduler.interval_minutes": "FETCH_INTERVAL_MINUTES",
	"server.port":                "PORT",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env, "NEWSFETCH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trigger_path", "/api/cron")
	v.SetDefault("source.base_url", "https://analyze.api.tickertape.in/v2/homepage/events")
	v.SetDefault("source.page_size", 10)
	v.SetDefault("source.max_pages", 500)
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("source.connect_timeout_seconds", 10)
	v.SetDefault("source.user_agent", "tickertape-news-fetcher/1.0")
	v.SetDefault("source.requests_per_second", 0)
	v.SetDefault("scheduler.interval_minutes", 30)
	v.SetDefault("store.backend", BackendMongo)
	v.SetDefault("mongo.app_name", "News")
	v.SetDefault("mongo.database", "News-fetching")
	v.SetDefault("mongo.articles_collection", "News")
	v.SetDefault("mongo.run_logs_collection", "scrape_logs")
	v.SetDefault("mongo.leases_collection", "locks")
	v.SetDefault("mongo.connect_timeout_seconds", 10)
	v.SetDefault("mongo.server_selection_timeout_seconds", 5)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("lock.redis_url", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("lock.backend", LockStore)
	v.SetDefault("lock.name", "news_fetch_job")
	v.SetDefault("lock.ttl_seconds", 900)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.local_dir", "data/pages")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.TriggerPath, "/") {
		return fmt.Errorf("server.trigger_path must start with /")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be > 0")
	}
	if c.Source.MaxPages <= 0 {
		return fmt.Errorf("source.max_pages must be > 0")
	}
	if c.Source.TimeoutSeconds <= 0 || c.Source.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("source timeouts must be > 0")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second must be >= 0")
	}
	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.interval_minutes must be > 0")
	}
	switch c.Store.Backend {
	case BackendMongo:
		if c.Mongo.ConnectionURI() == "" {
			return fmt.Errorf("mongo requires MONGO_URL or MONGO_USER, MONGO_PASSWORD and MONGO_HOST")
		}
		if c.Mongo.Database == "" {
			return fmt.Errorf("mongo.database is required")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Lock.Backend {
	case LockStore, LockNone:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	if c.Lock.Backend != LockNone && c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ConnectionURI returns the Mongo connection string. Discrete credentials
// take precedence over a full URL.
func (m MongoConfig) ConnectionURI() string {
	if m.User != "" && m.Password != "" && m.Host != "" {
		uri := fmt.Sprintf("mongodb+srv://%s:%s@%s/",
			url.QueryEscape(m.User), url.QueryEscape(m.Password), m.Host)
		if m.AppName != "" {
			uri += "?appName=" + url.QueryEscape(m.AppName)
		}
		return uri
	}
	return m.URL
}

// ConnectTimeout converts the configured seconds into a duration.
func (m MongoConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSeconds) * time.Second
}

// ServerSelectionTimeout converts the configured seconds into a duration.
func (m MongoConfig) ServerSelectionTimeout() time.Duration {
	return time.Duration(m.ServerSelectionTimeoutSeconds) * time.Second
}

// RequestTimeout is the total budget for one page request.
func (s SourceConfig) RequestTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ConnectTimeout bounds dialing the remote API.
func (s SourceConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// Interval is the delay between scheduled runs.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// TTL is how long a run lease stays valid without release.
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}
