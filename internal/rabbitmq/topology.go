package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges of the saga topology
const (
	ExchangeTasks      = "saga.tasks"
	ExchangeEvents     = "saga.events"
	ExchangeDeadLetter = "saga.dlx"
)

// DeadLetterSuffix names the parking queue of a task queue
const DeadLetterSuffix = ".dead"

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare declares the topology. Everything is durable; declarations are idempotent.
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, true, false, false, false, ex.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "->" + b.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		return nil
	})
}

// Inspect returns the message and consumer counts of a queue
func (tm *TopologyManager) Inspect(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	return q, err
}

// DeclareDelayQueue declares a queue whose messages expire after delay and are
// dead-lettered to the tasks exchange under routing key queue
func (tm *TopologyManager) DeclareDelayQueue(ctx context.Context, queue string, delay time.Duration) (string, error) {
	name := DelayQueueName(queue, delay)
	err := tm.Declare(ctx, Topology{Queues: []QueueDeclaration{{
		Name: name,
		Arguments: amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    ExchangeTasks,
			"x-dead-letter-routing-key": queue,
		},
	}}})
	if err != nil {
		return "", err
	}
	return name, nil
}

// DelayQueueName names the delay queue of (queue, delay)
func DelayQueueName(queue string, delay time.Duration) string {
	return "saga.delay." + queue + "." + strconv.FormatInt(delay.Milliseconds(), 10)
}

// SagaTopology returns the exchanges, task queues with their dead-letter parking
// queues and, when eventQueue is set, an event queue bound to eventKeys.
// The event queue is also bound on the tasks exchange so delayed redeliveries find it.
func SagaTopology(queues []string, eventQueue string, eventKeys []string) Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: ExchangeTasks, Type: amqp.ExchangeDirect},
			{Name: ExchangeEvents, Type: amqp.ExchangeTopic},
			{Name: ExchangeDeadLetter, Type: amqp.ExchangeTopic},
		},
	}

	for _, q := range queues {
		t.Queues = append(t.Queues,
			QueueDeclaration{Name: q, Arguments: amqp.Table{
				"x-dead-letter-exchange":    ExchangeDeadLetter,
				"x-dead-letter-routing-key": q,
			}},
			QueueDeclaration{Name: q + DeadLetterSuffix},
		)
		t.Bindings = append(t.Bindings,
			Binding{Queue: q, Exchange: ExchangeTasks, RoutingKey: q},
			Binding{Queue: q + DeadLetterSuffix, Exchange: ExchangeDeadLetter, RoutingKey: q},
		)
	}

	if eventQueue != "" {
		t.Queues = append(t.Queues, QueueDeclaration{Name: eventQueue, Arguments: amqp.Table{
			"x-dead-letter-exchange":    ExchangeDeadLetter,
			"x-dead-letter-routing-key": eventQueue,
		}})
		t.Bindings = append(t.Bindings, Binding{Queue: eventQueue, Exchange: ExchangeTasks, RoutingKey: eventQueue})
		for _, key := range eventKeys {
			t.Bindings = append(t.Bindings, Binding{Queue: eventQueue, Exchange: ExchangeEvents, RoutingKey: key})
		}
	}
	return t
}

// Validate checks that names are set
func (t Topology) Validate() error {
	for _, ex := range t.Exchanges {
		if ex.Name == "" || ex.Type == "" {
			return fmt.Errorf("%w: exchange needs a name and a type", ErrInvalidConfiguration)
		}
	}
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue without name", ErrInvalidConfiguration)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding needs a queue and an exchange", ErrInvalidConfiguration)
		}
	}
	return nil
}
