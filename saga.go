// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-saga/api"
	"github.com/glimte/mmate-saga/config"
	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/engine"
	"github.com/glimte/mmate-saga/health"
	"github.com/glimte/mmate-saga/interceptors"
	amqp "github.com/glimte/mmate-saga/internal/rabbitmq"
	"github.com/glimte/mmate-saga/internal/reliability"
	"github.com/glimte/mmate-saga/outbound"
	"github.com/glimte/mmate-saga/recipe"
	"github.com/glimte/mmate-saga/store"
	"github.com/glimte/mmate-saga/store/memory"
	"github.com/glimte/mmate-saga/store/mongostore"
	"github.com/glimte/mmate-saga/store/postgres"
	"github.com/glimte/mmate-saga/store/redisstore"
	"github.com/glimte/mmate-saga/transports/inmemory"
	"github.com/glimte/mmate-saga/transports/rabbitmq"
)

// eventTopicPrefix is the topic prefix of events published by event triggers
const eventTopicPrefix = "trigger.event."

// Store is a job store that also guards idempotency
type Store interface {
	store.JobStore
	store.IdempotencyStore
}

// Service wires a dispatcher, its stores and its transports from configuration
type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	graph      *recipe.Graph
	dispatcher *engine.Dispatcher
	health     *health.Registry
	sinks      *reliability.MultiSink
	letters    *reliability.MemorySink
	handler    http.Handler

	broker *inmemory.Broker
	amqp   *rabbitmq.Transport

	closers []func(ctx context.Context) error
}

type serviceConfig struct {
	logger       *slog.Logger
	recipes      []recipe.Recipe
	triggers     []recipe.Trigger
	interceptors []interceptors.Interceptor
	requester    contracts.Requester
	store        Store
}

// Option configures the Service
type Option func(*serviceConfig)

// WithLogger sets the logger of every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithRecipes registers recipes
func WithRecipes(recipes ...recipe.Recipe) Option {
	return func(c *serviceConfig) {
		c.recipes = append(c.recipes, recipes...)
	}
}

// WithTriggers registers custom triggers
func WithTriggers(triggers ...recipe.Trigger) Option {
	return func(c *serviceConfig) {
		c.triggers = append(c.triggers, triggers...)
	}
}

// WithInterceptor appends an interceptor after logging and panic recovery
func WithInterceptor(interceptor interceptors.Interceptor) Option {
	return func(c *serviceConfig) {
		c.interceptors = append(c.interceptors, interceptor)
	}
}

// WithRequester replaces the outbound HTTP client handed to handlers
func WithRequester(requester contracts.Requester) Option {
	return func(c *serviceConfig) {
		c.requester = requester
	}
}

// WithStore replaces the configured job store
func WithStore(s Store) Option {
	return func(c *serviceConfig) {
		c.store = s
	}
}

// New builds the service. Connections opened here are released by Close.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	sc := &serviceConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(sc)
	}

	graph, err := recipe.Build(sc.recipes, sc.triggers)
	if err != nil {
		return nil, fmt.Errorf("failed to build recipes: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		logger: sc.logger,
		graph:  graph,
		health: health.NewRegistry(),
		sinks:  reliability.NewMultiSink(sc.logger),
	}
	s.health.SetMetadata("service", cfg.Service.Name)
	s.health.Register(health.NewMemoryChecker(0))

	if err := s.build(ctx, sc); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, sc *serviceConfig) error {
	jobs := sc.store
	if jobs == nil {
		var err error
		if jobs, err = s.openStore(ctx); err != nil {
			return err
		}
	}

	if err := s.openDeadLetters(ctx); err != nil {
		return err
	}

	tasks, events, err := s.openTransport(ctx)
	if err != nil {
		return err
	}

	builder := interceptors.NewChainBuilder(s.logger).
		WithLogging().
		WithRecovery().
		WithTimeout(s.cfg.Engine.HandlerTimeout)
	if n := s.cfg.Engine.BreakerThreshold; n > 0 {
		builder.WithCircuitBreaker(
			reliability.WithFailureThreshold(n),
			reliability.WithTimeout(s.cfg.Engine.BreakerCooldown),
		)
	}
	for _, i := range sc.interceptors {
		builder.WithCustom(i)
	}

	requester := sc.requester
	if requester == nil {
		requester = outbound.New(
			outbound.WithHTTPClient(&http.Client{Timeout: s.cfg.Outbound.Timeout}),
			outbound.WithRetryPolicy(reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2, s.cfg.Outbound.MaxRetries)),
			outbound.WithLogger(s.logger),
		)
	}

	s.dispatcher, err = engine.NewDispatcher(s.graph, tasks,
		engine.WithLogger(s.logger),
		engine.WithJobStore(jobs),
		engine.WithIdempotencyStore(jobs),
		engine.WithEventPublisher(events),
		engine.WithDeadLetterSink(s.sinks),
		engine.WithInterceptors(builder.Build()),
		engine.WithRequester(requester),
		engine.WithBasePath(s.cfg.Service.BasePath),
		engine.WithMaxRetries(s.cfg.Engine.MaxRetries),
		engine.WithChunkSize(s.cfg.Engine.ChunkSize),
		engine.WithPublishRate(s.cfg.Engine.PublishRate),
	)
	if err != nil {
		return err
	}

	s.handler = api.NewHandler(s.dispatcher,
		api.WithBasePath(s.cfg.Service.BasePath),
		api.WithHealth(health.NewHandler(s.health, s.cfg.Service.HealthTimeout)),
		api.WithLogger(s.logger),
	)
	return nil
}

func (s *Service) openStore(ctx context.Context) (Store, error) {
	cfg := s.cfg.Store
	switch cfg.Kind {
	case config.StoreMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		s.closers = append(s.closers, client.Disconnect)

		st := mongostore.New(client.Database(cfg.MongoDatabase),
			mongostore.WithBuckets(cfg.Buckets),
			mongostore.WithLockRetention(cfg.LockRetention),
			mongostore.WithBucketRetention(cfg.BucketRetention),
			mongostore.WithLogger(s.logger),
		)
		if err := st.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		s.health.Register(health.NewPingChecker("mongo", st, 0))
		return st, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })

		st := redisstore.New(client,
			redisstore.WithBuckets(cfg.Buckets),
			redisstore.WithLockRetention(cfg.LockRetention),
		)
		if err := st.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		s.health.Register(health.NewPingChecker("redis", st, 0))
		return st, nil

	default:
		s.logger.Warn("using the in-process job store; fan-out state is lost on restart")
		return memory.New(memory.WithLockRetention(cfg.LockRetention)), nil
	}
}

func (s *Service) openDeadLetters(ctx context.Context) error {
	cfg := s.cfg.DeadLetter
	if cfg.MemoryLimit > 0 {
		s.letters = reliability.NewMemorySink(cfg.MemoryLimit)
		s.sinks.Add("memory", s.letters)
	}
	if cfg.PostgresDSN == "" {
		return nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres pool: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { pool.Close(); return nil })

	archive, err := postgres.New(ctx, pool, postgres.WithTable(cfg.Table), postgres.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("failed to open dead-letter archive: %w", err)
	}
	s.sinks.Add("postgres", archive)
	s.health.Register(health.NewPingChecker("postgres", archive, 0))
	return nil
}

func (s *Service) openTransport(ctx context.Context) (engine.TaskPublisher, engine.EventPublisher, error) {
	cfg := s.cfg.Transport
	if cfg.Kind != config.TransportRabbitMQ {
		s.broker = inmemory.NewBroker(inmemory.WithLogger(s.logger))
		s.closers = append(s.closers, func(context.Context) error { s.broker.Close(); return nil })
		return s.broker, s.broker.Events(), nil
	}

	tr, err := rabbitmq.NewTransport(ctx, cfg.URL,
		rabbitmq.WithBasePath(s.cfg.Service.BasePath),
		rabbitmq.WithDefaultQueue(cfg.DefaultQueue),
		rabbitmq.WithRetryBackoff(cfg.RetryInitial, cfg.RetryMax),
		rabbitmq.WithConsumerOptions(amqp.WithPrefetchCount(cfg.Prefetch), amqp.WithWorkers(cfg.Workers)),
		rabbitmq.WithLogger(s.logger),
	)
	if err != nil {
		return nil, nil, err
	}
	s.amqp = tr
	s.closers = append(s.closers, func(context.Context) error { return tr.Close() })

	if err := tr.DeclareQueues(ctx, cfg.Queues, cfg.EventQueue, s.eventTopics()); err != nil {
		return nil, nil, fmt.Errorf("failed to declare queues: %w", err)
	}
	s.sinks.Add("rabbitmq", tr.DeadLetterSink())
	s.health.Register(health.NewRabbitMQChecker(tr))
	return tr, tr.Events(), nil
}

// eventTopics lists the topics of the event recipes this service starts
func (s *Service) eventTopics() []string {
	var topics []string
	for _, key := range s.graph.TriggerKeys() {
		if strings.HasPrefix(key, eventTopicPrefix) {
			topics = append(topics, key)
		}
	}
	return topics
}

// Run serves HTTP and consumes the transport until ctx is done
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Service.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http listening", "addr", server.Addr, "basePath", s.cfg.Service.BasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Service.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if s.amqp != nil {
			queues := append([]string(nil), s.cfg.Transport.Queues...)
			if s.cfg.Transport.EventQueue != "" {
				queues = append(queues, s.cfg.Transport.EventQueue)
			}
			return s.amqp.Run(gctx, s.dispatcher, queues...)
		}
		return s.broker.Run(gctx, s.dispatcher)
	})

	return g.Wait()
}

// Close releases connections in reverse order of opening
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Handler returns the HTTP binding
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Dispatcher returns the dispatcher
func (s *Service) Dispatcher() *engine.Dispatcher {
	return s.dispatcher
}

// Health returns the health registry
func (s *Service) Health() *health.Registry {
	return s.health
}

// DeadLetters returns the most recent dead letters kept in process, or nil when disabled
func (s *Service) DeadLetters() []reliability.DeadLetter {
	if s.letters == nil {
		return nil
	}
	return s.letters.Letters()
}

// Route is one dispatchable key and its path
type Route struct {
	Key  string
	Path string
}

// Routes lists every dispatchable key with its HTTP path
func (s *Service) Routes() []Route {
	keys := s.graph.Keys()
	routes := make([]Route, 0, len(keys))
	for _, key := range keys {
		path, _ := s.graph.URL(key)
		routes = append(routes, Route{Key: key, Path: s.cfg.Service.BasePath + path})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
	return routes
}

// Queues returns the message counts of the configured queues and their dead-letter queues.
// Only the rabbitmq transport has queues to inspect.
func (s *Service) Queues(ctx context.Context) (map[string]int, error) {
	if s.amqp == nil {
		return nil, errors.New("saga: queue inspection needs the rabbitmq transport")
	}
	names := append([]string{s.amqp.DefaultQueue()}, s.cfg.Transport.Queues...)
	counts := make(map[string]int, len(names)*2)
	for _, name := range names {
		for _, q := range []string{name, name + amqp.DeadLetterSuffix} {
			info, err := s.amqp.Inspect(ctx, q)
			if err != nil {
				return nil, err
			}
			counts[q] = info.Messages
		}
	}
	return counts, nil
}
