// Package config is the settings tree shared by the searcher, the indexer,
// the analytics service and csctl: compiled-in defaults, overlaid by an
// optional YAML file, overlaid by CS_* environment variables, then validated.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Datastore DatastoreConfig `yaml:"datastore"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Source    SourceConfig    `yaml:"source"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig is the HTTP listener of the searcher and analytics service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimit       int           `yaml:"rateLimit"`
	RateWindow      time.Duration `yaml:"rateWindow"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// AdminAuth requires an API key on the index administration endpoints.
	AdminAuth bool `yaml:"adminAuth"`
}

// DatastoreConfig selects the SQL driver and holds its connection parameters.
// Driver is "postgres" (lib/pq) or "sqlite" (modernc.org/sqlite).
type DatastoreConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	BusyTimeout     time.Duration `yaml:"busyTimeout"`
}

// DSN returns the driver-specific data source name.
func (d DatastoreConfig) DSN() string {
	if d.Driver == DriverSQLite {
		timeout := d.BusyTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
			d.Path, timeout.Milliseconds(),
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// Supported datastore drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// RedisConfig holds Redis connection parameters. An empty Addr disables every
// Redis-backed component.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	KeyPrefix string        `yaml:"keyPrefix"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings. When Enabled is false,
// drains run on the in-process pool and events stay local.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics names the topic of each event stream.
type KafkaTopics struct {
	IndexDrain      string `yaml:"indexDrain"`
	IndexFailure    string `yaml:"indexFailure"`
	SearchAnalytics string `yaml:"searchAnalytics"`
}

// SourceConfig names the host catalog tables the SQL document source reads.
type SourceConfig struct {
	Documents  string `yaml:"documents"`
	Terms      string `yaml:"terms"`
	Variations string `yaml:"variations"`
}

// Build run modes.
const (
	RunModeDirect = "direct"
	RunModeSync   = "sync"
	RunModeAsync  = "async"
)

// Backends for the status, queue and lock stores.
const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
	BackendFile  = "file"
	BackendLocal = "local"
)

// IndexConfig controls the index build: table naming, run mode, batching,
// text pipeline and stall detection.
type IndexConfig struct {
	TablePrefix             string        `yaml:"tablePrefix"`
	RunMode                 string        `yaml:"runMode"`
	ParallelBuild           bool          `yaml:"parallelBuild"`
	BatchSizes              BatchSizes    `yaml:"batchSizes"`
	Languages               []string      `yaml:"languages"`
	Subtypes                []string      `yaml:"subtypes"`
	Stemmer                 string        `yaml:"stemmer"`
	StopWords               []string      `yaml:"stopWords"`
	Synonyms                []string      `yaml:"synonyms"`
	Taxonomies              []string      `yaml:"taxonomies"`
	VariationSKU            bool          `yaml:"variationSku"`
	StallTimeout            time.Duration `yaml:"stallTimeout"`
	StallTimeoutWithTrigger time.Duration `yaml:"stallTimeoutWithTrigger"`
	ExternalTrigger         bool          `yaml:"externalTrigger"`
	HeartbeatInterval       time.Duration `yaml:"heartbeatInterval"`
	LivenessInterval        time.Duration `yaml:"livenessInterval"`
	LockWait                time.Duration `yaml:"lockWait"`
	LockDir                 string        `yaml:"lockDir"`
	StatusBackend           string        `yaml:"statusBackend"`
	QueueBackend            string        `yaml:"queueBackend"`
	LockBackend             string        `yaml:"lockBackend"`
	DispatchConcurrency     int           `yaml:"dispatchConcurrency"`
	Rebuild                 RebuildConfig `yaml:"rebuild"`
	Version                 string        `yaml:"version"`
}

// BatchSizes holds per-kind batch sizes. Zero means the built-in default.
type BatchSizes struct {
	Readable   int `yaml:"readable"`
	Searchable int `yaml:"searchable"`
	Taxonomy   int `yaml:"taxonomy"`
	Variation  int `yaml:"variation"`
}

// RebuildConfig schedules the recurring full rebuild.
type RebuildConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	StartHour int           `yaml:"startHour"`
}

// SearchConfig controls query normalization, matching, scoring and grouping.
type SearchConfig struct {
	MaxResults        int               `yaml:"maxResults"`
	DefaultLimit      int               `yaml:"defaultLimit"`
	MaxPhraseLength   int               `yaml:"maxPhraseLength"`
	Replace           map[string]string `yaml:"replace"`
	Remove            []string          `yaml:"remove"`
	ExactMaxLength    int               `yaml:"exactMaxLength"`
	RestrictLimit     int               `yaml:"restrictLimit"`
	Fuzzy             FuzzyConfig       `yaml:"fuzzy"`
	Scorer            string            `yaml:"scorer"`
	CacheThreshold    time.Duration     `yaml:"cacheThreshold"`
	CacheBackend      string            `yaml:"cacheBackend"`
	CacheLRUSize      int               `yaml:"cacheLruSize"`
	// CacheSyncInterval bounds how long a process serves its in-memory cache
	// front before noticing invalidations made by another process.
	CacheSyncInterval time.Duration     `yaml:"cacheSyncInterval"`
	Groups            []GroupConfig     `yaml:"groups"`
	FlexibleLimits    bool              `yaml:"flexibleLimits"`
	TotalLimit        int               `yaml:"totalLimit"`
	DefaultLang       string            `yaml:"defaultLang"`
	DefaultSubtype    string            `yaml:"defaultSubtype"`
	VendorTaxonomy    string            `yaml:"vendorTaxonomy"`
}

// FuzzyConfig controls the fuzzy fallback for unmatched keywords.
type FuzzyConfig struct {
	Enabled       bool `yaml:"enabled"`
	PrefixLength  int  `yaml:"prefixLength"`
	MaxExpansions int  `yaml:"maxExpansions"`
	MaxDistance   int  `yaml:"maxDistance"`
}

// GroupConfig configures one named result group.
type GroupConfig struct {
	Name   string `yaml:"name"`
	Limit  int    `yaml:"limit"`
	Weight int    `yaml:"weight"`
}

// AnalyticsConfig controls search event collection and the periodic
// snapshots of aggregated stats.
type AnalyticsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BufferSize        int           `yaml:"bufferSize"`
	BatchSize         int           `yaml:"batchSize"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
	SnapshotInterval  time.Duration `yaml:"snapshotInterval"`
	SnapshotRetention int           `yaml:"snapshotRetention"` // 0 keeps every snapshot
}

// LoggingConfig picks the slog level and the text or json handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig is the /metrics listener of processes without an HTTP API.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load layers the YAML file at path, when path is not empty, and the
// environment over Default, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       60,
			RateWindow:      time.Minute,
			RequestTimeout:  10 * time.Second,
		},
		Datastore: DatastoreConfig{
			Driver:          DriverSQLite,
			Path:            "data/catalog-search.db",
			Host:            "localhost",
			Port:            5432,
			Database:        "catalogsearch",
			User:            "catalogsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:  10,
			KeyPrefix: "cs:",
			CacheTTL:  24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "catalog-search",
			Topics: KafkaTopics{
				IndexDrain:      "index.drain",
				IndexFailure:    "index.failure",
				SearchAnalytics: "search.analytics",
			},
		},
		Source: SourceConfig{
			Documents:  "catalog_documents",
			Terms:      "catalog_terms",
			Variations: "catalog_variations",
		},
		Index: IndexConfig{
			TablePrefix:             "cs_",
			RunMode:                 RunModeSync,
			ParallelBuild:           true,
			Languages:               []string{"en"},
			Subtypes:                []string{"product"},
			Stemmer:                 "none",
			StopWords:               []string{"a", "an", "and", "for", "in", "of", "on", "or", "the", "to", "with"},
			Taxonomies:              []string{"product_cat", "product_tag"},
			StallTimeout:            15 * time.Minute,
			StallTimeoutWithTrigger: 3 * time.Minute,
			HeartbeatInterval:       time.Minute,
			LivenessInterval:        5 * time.Second,
			LockWait:                5 * time.Second,
			LockDir:                 "data/locks",
			StatusBackend:           BackendSQL,
			QueueBackend:            BackendSQL,
			LockBackend:             BackendLocal,
			DispatchConcurrency:     2,
			Rebuild: RebuildConfig{
				Interval:  24 * time.Hour,
				StartHour: 3,
			},
			Version: "1.0.0",
		},
		Search: SearchConfig{
			MaxResults:      100,
			DefaultLimit:    10,
			MaxPhraseLength: 100,
			ExactMaxLength:  3,
			RestrictLimit:   500,
			Fuzzy: FuzzyConfig{
				PrefixLength:  2,
				MaxExpansions: 50,
				MaxDistance:   1,
			},
			Scorer:            "hits",
			CacheThreshold:    50 * time.Millisecond,
			CacheBackend:      BackendSQL,
			CacheLRUSize:      1024,
			CacheSyncInterval: time.Second,
			Groups: []GroupConfig{
				{Name: "product", Limit: 7, Weight: 100},
				{Name: "taxonomy", Limit: 3, Weight: 80},
				{Name: "vendor", Limit: 2, Weight: 60},
				{Name: "post", Limit: 2, Weight: 40},
				{Name: "page", Limit: 2, Weight: 20},
			},
			TotalLimit:     10,
			DefaultLang:    "en",
			DefaultSubtype: "product",
			VendorTaxonomy: "vendor",
		},
		Analytics: AnalyticsConfig{
			Enabled:           true,
			BufferSize:        10000,
			BatchSize:         100,
			FlushInterval:     5 * time.Second,
			SnapshotInterval:  5 * time.Minute,
			SnapshotRetention: 2016,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate reports every problem it finds, not only the first.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	switch c.Datastore.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		add("unsupported datastore driver %q", c.Datastore.Driver)
	}
	switch c.Index.RunMode {
	case RunModeDirect, RunModeSync, RunModeAsync:
	default:
		add("unsupported run mode %q", c.Index.RunMode)
	}
	if len(c.Index.Languages) == 0 {
		add("at least one index language is required")
	}
	if len(c.Index.Subtypes) == 0 {
		add("at least one document subtype is required")
	}
	if c.Redis.Addr == "" {
		for name, backend := range map[string]string{
			"index.statusBackend": c.Index.StatusBackend,
			"index.queueBackend":  c.Index.QueueBackend,
			"index.lockBackend":   c.Index.LockBackend,
			"search.cacheBackend": c.Search.CacheBackend,
		} {
			if backend == BackendRedis {
				add("%s is redis but redis.addr is empty", name)
			}
		}
	}
	for i, g := range c.Search.Groups {
		if g.Name == "" {
			add("search.groups[%d] has no name", i)
		}
		if g.Limit < 0 {
			add("search.groups[%d] (%s) limit must not be negative, got %d", i, g.Name, g.Limit)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka enabled but no brokers configured")
	}
	if h := c.Index.Rebuild.StartHour; h < 0 || h > 23 {
		add("rebuild.startHour must be within 0-23, got %d", h)
	}
	if c.Analytics.Enabled && c.Analytics.SnapshotInterval <= 0 {
		add("analytics.snapshotInterval must be positive")
	}
	if errs == nil {
		return nil
	}
	errs.ErrorFormat = func(list []error) string {
		msgs := make([]string, len(list))
		for i, err := range list {
			msgs[i] = err.Error()
		}
		sort.Strings(msgs)
		return "invalid config: " + strings.Join(msgs, "; ")
	}
	return errs
}

// applyEnvOverrides lets deployments set the common knobs without a file.
// Values that do not parse are ignored.
func applyEnvOverrides(cfg *Config) {
	str := func(p *string) func(string) { return func(v string) { *p = v } }
	list := func(p *[]string) func(string) { return func(v string) { *p = strings.Split(v, ",") } }
	integer := func(p *int) func(string) {
		return func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				*p = n
			}
		}
	}
	boolean := func(p *bool) func(string) {
		return func(v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				*p = b
			}
		}
	}

	for name, set := range map[string]func(string){
		"CS_SERVER_PORT":        integer(&cfg.Server.Port),
		"CS_SERVER_ADMIN_AUTH":  boolean(&cfg.Server.AdminAuth),
		"CS_DATASTORE_DRIVER":   str(&cfg.Datastore.Driver),
		"CS_DATASTORE_PATH":     str(&cfg.Datastore.Path),
		"CS_DATASTORE_HOST":     str(&cfg.Datastore.Host),
		"CS_DATASTORE_PORT":     integer(&cfg.Datastore.Port),
		"CS_DATASTORE_DATABASE": str(&cfg.Datastore.Database),
		"CS_DATASTORE_USER":     str(&cfg.Datastore.User),
		"CS_DATASTORE_PASSWORD": str(&cfg.Datastore.Password),
		"CS_DATASTORE_SSLMODE":  str(&cfg.Datastore.SSLMode),
		"CS_REDIS_ADDR":         str(&cfg.Redis.Addr),
		"CS_REDIS_PASSWORD":     str(&cfg.Redis.Password),
		"CS_KAFKA_ENABLED":      boolean(&cfg.Kafka.Enabled),
		"CS_KAFKA_BROKERS":      list(&cfg.Kafka.Brokers),
		"CS_INDEX_RUN_MODE":     str(&cfg.Index.RunMode),
		"CS_INDEX_STEMMER":      str(&cfg.Index.Stemmer),
		"CS_INDEX_LANGUAGES":    list(&cfg.Index.Languages),
		"CS_SEARCH_FUZZY":       boolean(&cfg.Search.Fuzzy.Enabled),
		"CS_SEARCH_SCORER":      str(&cfg.Search.Scorer),
		"CS_LOGGING_LEVEL":      str(&cfg.Logging.Level),
		"CS_LOGGING_FORMAT":     str(&cfg.Logging.Format),
	} {
		if v := os.Getenv(name); v != "" {
			set(v)
		}
	}
}
