// Package config loads the service configuration from YAML with SAGA_*
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Transport kinds
const (
	TransportMemory   = "memory"
	TransportRabbitMQ = "rabbitmq"
)

// Store kinds
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
)

// Config is the complete service configuration
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Log        LogConfig        `yaml:"log"`
	Engine     EngineConfig     `yaml:"engine"`
	Transport  TransportConfig  `yaml:"transport"`
	Store      StoreConfig      `yaml:"store"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Outbound   OutboundConfig   `yaml:"outbound"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Listen          string        `yaml:"listen"`
	BasePath        string        `yaml:"basePath"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	HealthTimeout   time.Duration `yaml:"healthTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EngineConfig struct {
	MaxRetries  int     `yaml:"maxRetries"`
	ChunkSize   int     `yaml:"chunkSize"`
	PublishRate float64 `yaml:"publishRate"`
	// HandlerTimeout bounds a single handler call; zero means no bound
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`
	// BreakerThreshold opens a per-key circuit after that many consecutive
	// retryable failures; zero disables breaking
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

type TransportConfig struct {
	Kind         string        `yaml:"kind"`
	URL          string        `yaml:"url"`
	Queues       []string      `yaml:"queues"`
	DefaultQueue string        `yaml:"defaultQueue"`
	EventQueue   string        `yaml:"eventQueue"`
	Prefetch     int           `yaml:"prefetch"`
	Workers      int           `yaml:"workers"`
	RetryInitial time.Duration `yaml:"retryInitial"`
	RetryMax     time.Duration `yaml:"retryMax"`
}

type StoreConfig struct {
	Kind          string        `yaml:"kind"`
	MongoURI      string        `yaml:"mongoUri"`
	MongoDatabase string        `yaml:"mongoDatabase"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	Buckets       int           `yaml:"buckets"`
	LockRetention time.Duration `yaml:"lockRetention"`

	// BucketRetention bounds how long a Mongo completion bucket outlives its last write
	BucketRetention time.Duration `yaml:"bucketRetention"`
}

// DeadLetterConfig enables the Postgres archive when PostgresDSN is set
type DeadLetterConfig struct {
	PostgresDSN string `yaml:"postgresDsn"`
	Table       string `yaml:"table"`
	// MemoryLimit keeps the most recent letters in process; zero disables it
	MemoryLimit int `yaml:"memoryLimit"`
}

type OutboundConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

// Default returns a configuration that runs in process without external services
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "mmate-saga",
			Listen:          ":8080",
			BasePath:        "/v2",
			ShutdownTimeout: 15 * time.Second,
			HealthTimeout:   5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{
			MaxRetries:      10,
			ChunkSize:       100,
			PublishRate:     500,
			BreakerCooldown: 30 * time.Second,
		},
		Transport: TransportConfig{
			Kind:         TransportMemory,
			DefaultQueue: "saga.default",
			Prefetch:     10,
			Workers:      4,
			RetryInitial: time.Second,
			RetryMax:     time.Minute,
		},
		Store: StoreConfig{
			Kind:            StoreMemory,
			MongoDatabase:   "saga",
			Buckets:         16,
			LockRetention:   24 * time.Hour,
			BucketRetention: 7 * 24 * time.Hour,
		},
		DeadLetter: DeadLetterConfig{Table: "saga_dead_letters", MemoryLimit: 1000},
		Outbound:   OutboundConfig{Timeout: 30 * time.Second, MaxRetries: 3},
	}
}

// Load reads path over the defaults, applies the environment and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.Decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges YAML from r into c. Unknown fields are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LookupFunc reads one environment variable
type LookupFunc func(name string) (string, bool)

// ApplyEnv overrides fields from SAGA_* variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("SAGA_NAME", &c.Service.Name)
	str("SAGA_LISTEN", &c.Service.Listen)
	str("SAGA_BASE_PATH", &c.Service.BasePath)
	str("SAGA_LOG_LEVEL", &c.Log.Level)
	str("SAGA_LOG_FORMAT", &c.Log.Format)
	num("SAGA_MAX_RETRIES", &c.Engine.MaxRetries)
	str("SAGA_TRANSPORT", &c.Transport.Kind)
	str("SAGA_AMQP_URL", &c.Transport.URL)
	str("SAGA_DEFAULT_QUEUE", &c.Transport.DefaultQueue)
	str("SAGA_EVENT_QUEUE", &c.Transport.EventQueue)
	if v, ok := lookup("SAGA_QUEUES"); ok {
		c.Transport.Queues = splitList(v)
	}
	str("SAGA_STORE", &c.Store.Kind)
	str("SAGA_MONGO_URI", &c.Store.MongoURI)
	str("SAGA_MONGO_DATABASE", &c.Store.MongoDatabase)
	str("SAGA_REDIS_ADDR", &c.Store.RedisAddr)
	str("SAGA_REDIS_PASSWORD", &c.Store.RedisPassword)
	num("SAGA_REDIS_DB", &c.Store.RedisDB)
	str("SAGA_POSTGRES_DSN", &c.DeadLetter.PostgresDSN)

	return errors.Join(errs...)
}

// Validate rejects values the service cannot start with
func (c *Config) Validate() error {
	var problems []string
	if c.Service.Listen == "" {
		problems = append(problems, "service.listen is required")
	}
	if c.Service.BasePath != "" && !strings.HasPrefix(c.Service.BasePath, "/") {
		problems = append(problems, "service.basePath must start with /")
	}
	if _, err := c.Log.level(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		problems = append(problems, fmt.Sprintf("log.format %q is not json or text", c.Log.Format))
	}
	if c.Engine.MaxRetries < 1 {
		problems = append(problems, "engine.maxRetries must be at least 1")
	}
	if c.Engine.ChunkSize < 1 {
		problems = append(problems, "engine.chunkSize must be at least 1")
	}
	if c.Engine.PublishRate < 0 {
		problems = append(problems, "engine.publishRate must not be negative")
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRabbitMQ:
		if c.Transport.URL == "" {
			problems = append(problems, "transport.url is required for rabbitmq")
		}
	default:
		problems = append(problems, fmt.Sprintf("transport.kind %q is not memory or rabbitmq", c.Transport.Kind))
	}
	if c.Transport.DefaultQueue == "" {
		problems = append(problems, "transport.defaultQueue is required")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreMongo:
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			problems = append(problems, "store.mongoUri and store.mongoDatabase are required for mongo")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			problems = append(problems, "store.redisAddr is required for redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.kind %q is not memory, mongo or redis", c.Store.Kind))
	}
	if c.Store.Buckets < 1 {
		problems = append(problems, "store.buckets must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// Logger builds the configured slog handler writing to w
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
