// Package testutil starts shared containers for integration tests.
// Tests are skipped when Docker is not available.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type shared struct {
	once sync.Once
	addr string
	err  error
}

var (
	mongoC    shared
	redisC    shared
	postgresC shared
	rabbitC   shared
)

// MongoURI returns the URI of a shared MongoDB container
func MongoURI(t *testing.T) string {
	t.Helper()
	mongoC.once.Do(func() {
		endpoint, err := start("mongo:7", "27017/tcp", wait.ForListeningPort("27017/tcp"), nil)
		mongoC.addr, mongoC.err = "mongodb://"+endpoint, err
	})
	if mongoC.err != nil {
		t.Skipf("skipping MongoDB tests: %v", mongoC.err)
	}
	return mongoC.addr
}

// RedisAddr returns host:port of a shared Redis container
func RedisAddr(t *testing.T) string {
	t.Helper()
	redisC.once.Do(func() {
		endpoint, err := start("redis:7", "6379/tcp", wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		), nil)
		redisC.addr, redisC.err = endpoint, err
	})
	if redisC.err != nil {
		t.Skipf("skipping Redis tests: %v", redisC.err)
	}
	return redisC.addr
}

// PostgresDSN returns a connection string for a shared Postgres container
func PostgresDSN(t *testing.T) string {
	t.Helper()
	postgresC.once.Do(func() {
		env := map[string]string{
			"POSTGRES_USER":     "saga",
			"POSTGRES_PASSWORD": "saga",
			"POSTGRES_DB":       "saga",
		}
		endpoint, err := start("postgres:16", "5432/tcp", wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		), env)
		postgresC.addr, postgresC.err = "postgres://saga:saga@"+endpoint+"/saga?sslmode=disable", err
	})
	if postgresC.err != nil {
		t.Skipf("skipping Postgres tests: %v", postgresC.err)
	}
	return postgresC.addr
}

// RabbitURL returns the AMQP URL of a shared RabbitMQ container
func RabbitURL(t *testing.T) string {
	t.Helper()
	rabbitC.once.Do(func() {
		endpoint, err := start("rabbitmq:3.13-alpine", "5672/tcp", wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		), nil)
		rabbitC.addr, rabbitC.err = "amqp://guest:guest@"+endpoint+"/", err
	})
	if rabbitC.err != nil {
		t.Skipf("skipping RabbitMQ tests: %v", rabbitC.err)
	}
	return rabbitC.addr
}

func start(image, port string, strategy wait.Strategy, env map[string]string) (endpoint string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	// Testcontainers panics instead of failing on some Docker setups.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting %s panicked: %v", image, r)
		}
	}()

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts(port),
		testcontainers.WithWaitStrategy(strategy),
	}
	if env != nil {
		opts = append(opts, testcontainers.WithEnv(env))
	}

	c, err := testcontainers.Run(ctx, image, opts...)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", image, err)
	}

	// Endpoint resolves the first exposed port, which is the only one here.
	endpoint, err = c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", fmt.Errorf("endpoint of %s: %w", image, err)
	}

	// Force IPv4 loopback to avoid [::1]:port problems.
	endpoint = strings.Replace(endpoint, "localhost:", "127.0.0.1:", 1)
	return endpoint, nil
}
