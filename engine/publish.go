package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/naming"
	"github.com/glimte/mmate-saga/internal/reliability"
	"github.com/glimte/mmate-saga/recipe"
)

const (
	// DefaultChunkSize is how many tasks one bulk publication carries
	DefaultChunkSize = 100
	// DefaultPublishRate is the bulk publication ceiling in tasks per second
	DefaultPublishRate = 500
	// DefaultBasePath is the versioned route root
	DefaultBasePath = "/v2"

	eventConcurrency = 10
)

// outbox turns (key, message, attributes) into tasks and publishes them
type outbox struct {
	graph     *recipe.Graph
	tasks     TaskPublisher
	events    EventPublisher
	basePath  string
	chunkSize int
	limiter   *reliability.Limiter
	policy    reliability.RetryPolicy
	logger    *slog.Logger
}

// task builds the task delivering msg at key
func (o *outbox) task(key string, msg *contracts.Message, attrs contracts.Attributes) (Task, error) {
	path, ok := o.graph.URL(key)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	body, err := msg.Encode()
	if err != nil {
		return Task{}, err
	}

	url := o.basePath + path
	headers := attrs.Headers()
	return Task{
		URL:     url,
		Key:     key,
		Name:    TaskName(url, body, headers),
		Body:    body,
		Headers: headers,
		Queue:   attrs.Queue,
		Delay:   o.graph.ExecutionDelay(key),
	}, nil
}

// TaskName derives the deterministic task name. A resent task gets a new name.
func TaskName(url string, body []byte, headers map[string]string) string {
	if n, err := strconv.Atoi(headers[contracts.HeaderResendNumber]); err == nil && n > 0 {
		url += "#resend-" + strconv.Itoa(n)
	}
	return naming.TaskName(url, body, headers[contracts.HeaderCorrelationID])
}

// publish enqueues one task, retrying transient failures
func (o *outbox) publish(ctx context.Context, task Task) error {
	err := reliability.Retry(ctx, o.policy, func() error {
		err := o.tasks.Publish(ctx, task)
		if errors.Is(err, contracts.ErrTaskExists) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", task.Key, err)
	}

	o.logger.Debug("task published", "key", task.Key, "task", task.Name, "queue", task.Queue, "delay", task.Delay)
	return nil
}

// send builds and publishes the task for msg at key
func (o *outbox) send(ctx context.Context, key string, msg *contracts.Message, attrs contracts.Attributes) error {
	task, err := o.task(key, msg, attrs)
	if err != nil {
		return err
	}
	return o.publish(ctx, task)
}

// publishAll publishes tasks in rate-limited chunks
func (o *outbox) publishAll(ctx context.Context, tasks []Task) error {
	for start := 0; start < len(tasks); start += o.chunkSize {
		end := start + o.chunkSize
		if end > len(tasks) {
			end = len(tasks)
		}
		chunk := tasks[start:end]

		if err := o.limiter.Wait(ctx, len(chunk)); err != nil {
			return fmt.Errorf("bulk publish: %w", err)
		}
		err := reliability.Retry(ctx, o.policy, func() error {
			err := o.tasks.PublishBulk(ctx, chunk)
			if errors.Is(err, contracts.ErrTaskExists) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("bulk publish chunk %d-%d of %d: %w", start, end, len(tasks), err)
		}
	}

	if len(tasks) > 0 {
		o.logger.Debug("tasks published", "key", tasks[0].Key, "count", len(tasks))
	}
	return nil
}

// event is one event publication
type event struct {
	topic string
	body  []byte
	attrs map[string]string
}

// publishEvents publishes events concurrently
func (o *outbox) publishEvents(ctx context.Context, events []event) error {
	if o.events == nil {
		return ErrNoEventPublisher
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(eventConcurrency)
	for _, e := range events {
		g.Go(func() error {
			return reliability.Retry(ctx, o.policy, func() error {
				return o.events.Publish(ctx, e.topic, e.body, e.attrs)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}
