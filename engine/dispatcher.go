package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/interceptors"
	"github.com/glimte/mmate-saga/internal/reliability"
	"github.com/glimte/mmate-saga/recipe"
	"github.com/glimte/mmate-saga/store"
)

// Dispatcher runs one delivery at a time through the recipe graph
type Dispatcher struct {
	graph       *recipe.Graph
	tasks       TaskPublisher
	events      EventPublisher
	jobs        store.JobStore
	locks       store.IdempotencyStore
	sink        reliability.Sink
	chain       *interceptors.InterceptorChain
	requester   contracts.Requester
	classifier  Classifier
	basePath    string
	chunkSize   int
	publishRate float64
	policy      reliability.RetryPolicy
	namespace   uuid.UUID
	logger      *slog.Logger

	out         *outbox
	guard       *IdempotencyGuard
	coordinator *Coordinator
}

// NewDispatcher creates a dispatcher for graph publishing through tasks
func NewDispatcher(graph *recipe.Graph, tasks TaskPublisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if graph == nil || tasks == nil {
		return nil, fmt.Errorf("%w: graph and task publisher are required", ErrMissingDependency)
	}

	d := &Dispatcher{
		graph:       graph,
		tasks:       tasks,
		basePath:    DefaultBasePath,
		chunkSize:   DefaultChunkSize,
		publishRate: DefaultPublishRate,
		policy:      reliability.DefaultPublishPolicy(),
		namespace:   DefaultNamespace,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.jobs == nil {
		for _, key := range graph.Keys() {
			if strings.HasPrefix(key, string(recipe.NamespaceSubSequence)+".") {
				return nil, ErrNoJobStore
			}
		}
	}
	if d.chain == nil {
		d.chain = interceptors.NewChainBuilder(d.logger).WithLogging().WithRecovery().Build()
	}
	d.basePath = "/" + strings.Trim(d.basePath, "/")
	if d.basePath == "/" {
		d.basePath = ""
	}

	d.out = &outbox{
		graph:     graph,
		tasks:     tasks,
		events:    d.events,
		basePath:  d.basePath,
		chunkSize: d.chunkSize,
		limiter:   reliability.NewLimiter(d.publishRate, d.chunkSize),
		policy:    d.policy,
		logger:    d.logger,
	}
	d.guard = NewIdempotencyGuard(d.locks, d.logger)
	d.coordinator = &Coordinator{
		graph:     graph,
		jobs:      d.jobs,
		out:       d.out,
		namespace: d.namespace,
		logger:    d.logger,
	}
	return d, nil
}

// Graph returns the recipe graph
func (d *Dispatcher) Graph() *recipe.Graph {
	return d.graph
}

// Coordinator returns the sub-sequence coordinator
func (d *Dispatcher) Coordinator() *Coordinator {
	return d.coordinator
}

// DispatchRaw decodes body and dispatches it. A body that cannot be decoded is dead-lettered.
func (d *Dispatcher) DispatchRaw(ctx context.Context, key string, body []byte, attrs contracts.Attributes) Response {
	attrs.Key = key
	if _, ok := d.graph.Resolve(key); !ok {
		return d.notFound(key, attrs)
	}
	msg, err := contracts.DecodeMessage(body)
	if err != nil {
		return d.fail(ctx, d.logger.With("key", key), key, nil, attrs, contracts.WithFlag(contracts.FlagValidation, err))
	}
	return d.Dispatch(ctx, Delivery{Key: key, Message: msg, Attributes: attrs})
}

// Dispatch handles one delivery
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) Response {
	key := delivery.Key
	attrs := delivery.Attributes
	attrs.Key = key

	route, ok := d.graph.Resolve(key)
	if !ok {
		return d.notFound(key, attrs)
	}

	logger := d.logger.With("key", key, "correlationId", attrs.CorrelationID, "runId", attrs.RunID)

	seen, err := d.guard.AlreadySeen(ctx, attrs)
	if err != nil {
		return d.fail(ctx, logger, key, delivery.Message, attrs, err)
	}
	if seen {
		return Response{Status: http.StatusOK, Outcome: OutcomeDuplicate, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}
	}

	resp := d.handle(ctx, logger, route, delivery, attrs)
	if expectsRedelivery(resp.Status) {
		d.guard.Release(ctx, attrs)
	}
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, logger *slog.Logger, route recipe.Route, delivery Delivery, attrs contracts.Attributes) Response {
	// Handlers append to data; the caller's message stays untouched.
	msg := delivery.Message.Clone()
	if msg == nil {
		msg = contracts.NewMessage("", "")
	}

	var (
		resp Response
		err  error
	)
	switch route.Kind {
	case recipe.RouteStart, recipe.RouteTrigger:
		resp, err = d.start(ctx, logger, route, msg, attrs)
	case recipe.RouteStep:
		resp, err = d.step(ctx, logger, route, msg, attrs)
	case recipe.RouteUnrecoverable:
		resp, err = d.unrecoverable(ctx, logger, route, msg, attrs)
	case recipe.RouteProcessed:
		resp, err = d.processed(ctx, logger, msg, attrs)
	default:
		return d.notFound(route.Key, attrs)
	}
	if err != nil {
		// Failures are reported against the message as it was delivered.
		original := delivery.Message.Clone()
		if original == nil {
			original = contracts.NewMessage("", "")
		}
		return d.fail(ctx, logger, route.Key, original, attrs, err)
	}
	return resp
}

// expectsRedelivery reports whether status asks the transport to deliver the task again
func expectsRedelivery(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusInternalServerError, http.StatusBadGateway:
		return true
	}
	return false
}

func (d *Dispatcher) stepContext(logger *slog.Logger, attrs contracts.Attributes) *contracts.StepContext {
	return &contracts.StepContext{Attributes: attrs, Logger: logger, HTTP: d.requester}
}

func (d *Dispatcher) invoke(ctx context.Context, logger *slog.Logger, key string, msg *contracts.Message, attrs contracts.Attributes, handler recipe.Handler) (contracts.Result, error) {
	inv := &interceptors.Invocation{Key: key, Message: msg, Step: d.stepContext(logger, attrs)}
	return d.chain.Execute(ctx, inv, interceptors.StepHandlerFunc(func(ctx context.Context, inv *interceptors.Invocation) (contracts.Result, error) {
		return handler(ctx, inv.Message, inv.Step)
	}))
}

// start seeds a workflow from a start route or a trigger
func (d *Dispatcher) start(ctx context.Context, logger *slog.Logger, route recipe.Route, msg *contracts.Message, attrs contracts.Attributes) (Response, error) {
	target := route.Target
	seeds := []*contracts.Message{msg}
	if route.Kind == recipe.RouteStart {
		target = route.Recipe()
	}

	if handler := d.graph.TriggerHandler(route.Key); handler != nil {
		result, err := d.invoke(ctx, logger, route.Key, msg, attrs, func(ctx context.Context, msg *contracts.Message, sc *contracts.StepContext) (contracts.Result, error) {
			trigger, err := handler(ctx, msg, sc)
			if err != nil || trigger == nil {
				return nil, err
			}
			return *trigger, nil
		})
		if err != nil {
			return Response{}, err
		}
		if result == nil {
			logger.Info("trigger has nothing to do")
			return Response{Status: http.StatusOK, Outcome: OutcomeCompleted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}, nil
		}

		trigger, ok := result.(contracts.Trigger)
		if !ok || trigger.Key == "" {
			return Response{}, invalid(ErrBadTriggerResult, "%s returned a trigger without key", route.Key)
		}
		if err := checkMessages(route.Key, trigger); err != nil {
			return Response{}, err
		}
		if strings.HasPrefix(trigger.Key, string(recipe.NamespaceSubSequence)+".") {
			return Response{}, invalid(ErrInvalidTriggerKey, "%s cannot start sub-sequence %s without a spawning step", route.Key, trigger.Key)
		}
		target, seeds = trigger.Key, trigger.Messages
	}

	first, ok := d.graph.FirstOf(target)
	if !ok {
		return Response{}, invalid(ErrInvalidTriggerKey, "%s targets unknown recipe %s", route.Key, target)
	}

	runID := attrs.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	tasks := make([]Task, 0, len(seeds))
	var correlationID string
	for i, seed := range seeds {
		seedAttrs := contracts.Attributes{
			Key:           first,
			CorrelationID: d.seedCorrelationID(attrs.CorrelationID, first, i),
			RunID:         runID,
			Queue:         attrs.Queue,
		}
		if i == 0 {
			correlationID = seedAttrs.CorrelationID
		}
		task, err := d.out.task(first, seed, seedAttrs)
		if err != nil {
			return Response{}, err
		}
		tasks = append(tasks, task)
	}

	if err := d.out.publishAll(ctx, tasks); err != nil {
		return Response{}, err
	}

	logger.Info("workflow started", "first", first, "seeds", len(tasks))
	return Response{Status: http.StatusCreated, Outcome: OutcomeAccepted, CorrelationID: correlationID, RunID: runID}, nil
}

// seedCorrelationID is stable for a redelivered trigger and fresh when there is no inbound id
func (d *Dispatcher) seedCorrelationID(inbound, first string, i int) string {
	if inbound == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(d.namespace, []byte(inbound+":"+first+":"+strconv.Itoa(i))).String()
}

// step runs a step handler and advances the workflow
func (d *Dispatcher) step(ctx context.Context, logger *slog.Logger, route recipe.Route, msg *contracts.Message, attrs contracts.Attributes) (Response, error) {
	handler := d.graph.Handler(route.Key)
	if handler == nil {
		return Response{}, fmt.Errorf("%w: %s has no handler", ErrUnknownKey, route.Key)
	}

	result, err := d.invoke(ctx, logger, route.Key, msg, attrs, handler)
	if err != nil {
		return Response{}, err
	}

	switch r := result.(type) {
	case contracts.Trigger:
		return d.trigger(ctx, logger, route, r, msg, attrs)
	case *contracts.Trigger:
		if r != nil {
			return d.trigger(ctx, logger, route, *r, msg, attrs)
		}
	case contracts.Advance:
		msg.Append(r.Values...)
	case *contracts.Advance:
		if r != nil {
			msg.Append(r.Values...)
		}
	}
	return d.advance(ctx, logger, route.Key, msg, attrs)
}

// advance publishes msg at the key following key
func (d *Dispatcher) advance(ctx context.Context, logger *slog.Logger, key string, msg *contracts.Message, attrs contracts.Attributes) (Response, error) {
	next, ok := d.graph.Next(key)
	if !ok {
		logger.Info("workflow complete")
		return Response{Status: http.StatusOK, Outcome: OutcomeCompleted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}, nil
	}
	if err := d.out.send(ctx, next, msg, attrs.Child(next)); err != nil {
		return Response{}, err
	}
	return Response{Status: http.StatusCreated, Outcome: OutcomeAccepted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}, nil
}

// trigger branches a step into another workflow
func (d *Dispatcher) trigger(ctx context.Context, logger *slog.Logger, route recipe.Route, trigger contracts.Trigger, msg *contracts.Message, attrs contracts.Attributes) (Response, error) {
	ns, name, _ := strings.Cut(trigger.Key, ".")
	accepted := Response{Status: http.StatusCreated, Outcome: OutcomeAccepted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}

	switch recipe.Namespace(ns) {
	case recipe.NamespaceSubSequence:
		if err := checkMessages(route.Key, trigger); err != nil {
			return Response{}, err
		}
		next, ok := d.graph.Next(route.Key)
		if !ok {
			return Response{}, fmt.Errorf("%w: %s has no continuation", ErrUnknownKey, route.Key)
		}
		continuation := store.Continuation{NextKey: next, Queue: attrs.Queue, RunID: attrs.RunID}
		if err := d.coordinator.StartChildren(ctx, trigger, route.Key, attrs, continuation, msg); err != nil {
			return Response{}, err
		}
		return accepted, nil

	case recipe.NamespaceSequence:
		if err := checkMessages(route.Key, trigger); err != nil {
			return Response{}, err
		}
		first, ok := d.graph.FirstOf(trigger.Key)
		if !ok {
			return Response{}, invalid(ErrInvalidTriggerKey, "%s targets unknown sequence %s", route.Key, trigger.Key)
		}
		tasks := make([]Task, len(trigger.Messages))
		for i, seed := range trigger.Messages {
			seedAttrs := contracts.Attributes{
				Key:           first,
				CorrelationID: d.seedCorrelationID(attrs.CorrelationID+":"+route.Key, first, i),
				RunID:         attrs.RunID,
				Queue:         attrs.Queue,
			}
			task, err := d.out.task(first, seed, seedAttrs)
			if err != nil {
				return Response{}, err
			}
			tasks[i] = task
		}
		if err := d.out.publishAll(ctx, tasks); err != nil {
			return Response{}, err
		}
		logger.Info("sequence triggered", "target", trigger.Key, "count", len(tasks))
		return d.advance(ctx, logger, route.Key, msg, attrs)

	case recipe.NamespaceEvent:
		if name == "" {
			return Response{}, invalid(ErrInvalidTriggerKey, "%s returned event trigger without name", route.Key)
		}
		messages := trigger.Messages
		if len(messages) == 0 {
			messages = []*contracts.Message{msg}
		}
		topic := string(recipe.NamespaceTrigger) + "." + trigger.Key
		events := make([]event, 0, len(messages))
		for i, m := range messages {
			if m == nil {
				return Response{}, invalid(ErrBadTriggerResult, "%s returned a nil event message at %d", route.Key, i)
			}
			body, err := m.Encode()
			if err != nil {
				return Response{}, err
			}
			eventAttrs := contracts.Attributes{
				CorrelationID: d.seedCorrelationID(attrs.CorrelationID+":"+route.Key, topic, i),
				RunID:         attrs.RunID,
			}.Headers()
			eventAttrs[contracts.HeaderKey] = topic
			events = append(events, event{topic: topic, body: body, attrs: eventAttrs})
		}
		if err := d.out.publishEvents(ctx, events); err != nil {
			return Response{}, err
		}
		logger.Info("event triggered", "topic", topic, "count", len(events))
		return d.advance(ctx, logger, route.Key, msg, attrs)
	}

	return Response{}, invalid(ErrInvalidTriggerKey, "%s returned unsupported trigger key %q", route.Key, trigger.Key)
}

// checkMessages requires a message list without holes
func checkMessages(key string, trigger contracts.Trigger) error {
	if trigger.Messages == nil {
		return invalid(ErrBadTriggerResult, "%s returned trigger %s without messages", key, trigger.Key)
	}
	for i, m := range trigger.Messages {
		if m == nil {
			return invalid(ErrBadTriggerResult, "%s returned trigger %s with a nil message at %d", key, trigger.Key, i)
		}
	}
	return nil
}

// unrecoverable runs the compensating handler and forces the workflow to its processed step
func (d *Dispatcher) unrecoverable(ctx context.Context, logger *slog.Logger, route recipe.Route, msg *contracts.Message, attrs contracts.Attributes) (Response, error) {
	handler := d.graph.UnrecoverableHandler(route.Key)
	if handler == nil {
		return Response{}, fmt.Errorf("%w: %s has no unrecoverable handler", ErrUnknownKey, route.Key)
	}

	result, err := d.invoke(ctx, logger, route.Key, msg, attrs, handler)
	if err != nil {
		return Response{}, err
	}
	switch r := result.(type) {
	case contracts.Advance:
		msg.Append(r.Values...)
	case *contracts.Advance:
		if r != nil {
			msg.Append(r.Values...)
		}
	case contracts.Trigger, *contracts.Trigger:
		return Response{}, invalid(ErrBadTriggerResult, "unrecoverable handler of %s cannot trigger", route.Key)
	}

	processed, ok := d.graph.ProcessedKey(route.Key)
	if !ok {
		return Response{}, fmt.Errorf("%w: %s has no processed route", ErrUnknownKey, route.Key)
	}
	if err := d.out.send(ctx, processed, msg, attrs.Child(processed)); err != nil {
		return Response{}, err
	}
	logger.Info("unrecoverable handled", "processed", processed)
	return Response{Status: http.StatusCreated, Outcome: OutcomeAccepted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}, nil
}

// processed completes a workflow, or a sub-sequence child
func (d *Dispatcher) processed(ctx context.Context, logger *slog.Logger, msg *contracts.Message, attrs contracts.Attributes) (Response, error) {
	resp := Response{Status: http.StatusOK, Outcome: OutcomeCompleted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}
	if attrs.ParentCorrelationID == "" {
		logger.Info("workflow processed", "items", len(msg.Data))
		return resp, nil
	}

	continued, err := d.coordinator.CompleteChild(ctx, attrs)
	if err != nil {
		return Response{}, err
	}
	if continued {
		resp.Status, resp.Outcome = http.StatusCreated, OutcomeAccepted
	}
	return resp, nil
}

// fail classifies err and performs the side effects of the decision
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, key string, msg *contracts.Message, attrs contracts.Attributes, err error) Response {
	decision := d.classifier.Classify(err, attrs)
	resp := Response{
		Status:        decision.Status,
		Outcome:       decision.Outcome,
		CorrelationID: attrs.CorrelationID,
		RunID:         attrs.RunID,
	}
	if decision.Outcome != OutcomeDuplicate {
		resp.Error = contracts.NewErrorBody(decision.ErrorType, err)
	}

	switch decision.Outcome {
	case OutcomeUnrecoverable:
		return d.branchUnrecoverable(ctx, logger, key, msg, attrs, err, resp)
	case OutcomeRetry, OutcomeStorageFailure:
		logger.Warn("delivery will be retried", "outcome", decision.Outcome, "retryCount", attrs.RetryCount, "error", err)
	case OutcomeDuplicate:
		logger.Info("task already exists")
	default:
		logger.Error("delivery failed", "outcome", decision.Outcome, "retryCount", attrs.RetryCount, "error", err)
	}

	if decision.DeadLetter {
		d.deadLetter(ctx, logger, key, msg, attrs, resp.Error, decision.Reason)
	}
	return resp
}

// branchUnrecoverable republishes the failed step to its unrecoverable route
func (d *Dispatcher) branchUnrecoverable(ctx context.Context, logger *slog.Logger, key string, msg *contracts.Message, attrs contracts.Attributes, cause error, resp Response) Response {
	if d.graph.UnrecoverableHandler(key) == nil || msg == nil {
		logger.Error("unrecoverable failure without handler", "error", cause)
		resp.Outcome = OutcomeDeadLettered
		d.deadLetter(ctx, logger, key, msg, attrs, resp.Error, reliability.ReasonUnrecoverable)
		return resp
	}

	unrecoverableKey := key + ".unrecoverable"
	msg.Error = resp.Error
	if err := d.out.send(ctx, unrecoverableKey, msg, attrs.Child(unrecoverableKey)); err != nil {
		// The branch was not taken; let the failure be redelivered.
		return d.fail(ctx, logger, key, msg, attrs, err)
	}

	logger.Warn("unrecoverable failure, compensating", "route", unrecoverableKey, "error", cause)
	return resp
}

func (d *Dispatcher) deadLetter(ctx context.Context, logger *slog.Logger, key string, msg *contracts.Message, attrs contracts.Attributes, body *contracts.ErrorBody, reason string) {
	if d.sink == nil {
		logger.Warn("no dead-letter sink configured, dropping", "reason", reason)
		return
	}
	letter := reliability.DeadLetter{
		Key:        key,
		Message:    msg,
		Attributes: attrs,
		Error:      body,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if err := d.sink.Send(ctx, letter); err != nil {
		logger.Error("failed to dead-letter delivery", "reason", reason, "error", err)
	}
}

func (d *Dispatcher) notFound(key string, attrs contracts.Attributes) Response {
	d.logger.Warn("unknown key", "key", key)
	return Response{
		Status:        http.StatusNotFound,
		Outcome:       OutcomeNotFound,
		CorrelationID: attrs.CorrelationID,
		RunID:         attrs.RunID,
		Error:         contracts.NewErrorBody(ErrorTypeNotFound, fmt.Errorf("%w: %s", ErrUnknownKey, key)),
	}
}
