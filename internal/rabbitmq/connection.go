package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-saga/internal/reliability"
)

// ConnectionState is reported to state hooks
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once
	hooks          []func(state ConnectionState, err error)
	hooksMu        sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; negative means unbounded
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notify(StateConnected, nil)

	go cm.handleReconnect()
	return nil
}

// dial connects within the dial timeout
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Properties: amqp.Table{"connection_name": "mmate-saga"},
		})
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		// A late connection is closed once the dial returns.
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// OnStateChange registers a hook called on every connection state change
func (cm *ConnectionManager) OnStateChange(hook func(state ConnectionState, err error)) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.hooks = append(cm.hooks, hook)
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notifyClose:
			select {
			case <-cm.done:
				return
			default:
			}
			if !ok || err == nil {
				// Closed by us.
				return
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()
			cm.notify(StateDisconnected, err)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, retries run out or the manager is closed
func (cm *ConnectionManager) reconnect() bool {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, cm.maxRetries)
	started := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			err := &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: ErrMaxRetriesExceeded, Timestamp: time.Now(), Attempts: attempt}
			cm.logger.Error("max reconnection attempts reached", "attempts", attempt, "duration", time.Since(started))
			cm.notify(StateDisconnected, err)
			return false
		}

		if attempt > 0 {
			timer := time.NewTimer(backoff.NextDelay(attempt - 1))
			select {
			case <-timer.C:
			case <-cm.done:
				timer.Stop()
				return false
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)
		cm.notify(StateReconnecting, nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dial(ctx)
		cancel()
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(started))
		cm.notify(StateConnected, nil)
		return true
	}
}

func (cm *ConnectionManager) notify(state ConnectionState, err error) {
	cm.hooksMu.RLock()
	defer cm.hooksMu.RUnlock()
	for _, hook := range cm.hooks {
		go hook(state, err)
	}
}
