package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	acquireWait time.Duration
	confirms    bool
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	confirms bool
	lastUsed time.Time
}

// ID identifies the channel in logs
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithAcquireTimeout bounds how long Get waits for a free channel
func WithAcquireTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireWait = d
	}
}

// WithConfirms puts every channel in publisher-confirm mode on creation
func WithConfirms(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirms = enabled
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are created lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		acquireWait: 5 * time.Second,
		confirms:    true,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, creating one while under the limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.create()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.acquireWait)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool; closed channels are dropped
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		_ = ch.Close()
		cp.release()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.release()
	}
}

// Discard closes a channel that must not be reused, e.g. after an unconfirmed publish
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cp.release()
}

// Close closes all idle channels; channels still in use are closed on Put
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Close()
			cp.release()
		default:
			return nil
		}
	}
}

// Size returns the number of channels currently open
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cp.Discard(ch)
			err = fmt.Errorf("panic in channel execution: %v", r)
			return
		}
		cp.Put(ch)
	}()

	return fn(ch.Channel)
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: fmt.Errorf("%w: %v", ErrChannelCreationFailed, err), Timestamp: time.Now()}
	}

	pc := &PooledChannel{Channel: ch, id: uuid.NewString(), confirms: cp.confirms, lastUsed: time.Now()}
	if cp.confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "enable confirms", ChannelID: pc.id, Err: err, Timestamp: time.Now()}
		}
	}

	cp.logger.Debug("channel opened", "channel", pc.id, "confirms", cp.confirms)
	return pc, nil
}
