package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/naming"
	"github.com/glimte/mmate-saga/recipe"
	"github.com/glimte/mmate-saga/store"
)

// Coordinator fans a step out into sub-sequence children and resumes it once all of them are processed
type Coordinator struct {
	graph     *recipe.Graph
	jobs      store.JobStore
	out       *outbox
	namespace uuid.UUID
	logger    *slog.Logger
}

// CompletionMarker is appended to the spawning workflow's data when it resumes
func CompletionMarker(spawningKey string, completed int) map[string]any {
	return map[string]any{"type": spawningKey, "id": completed}
}

// ChildCorrelationID is the deterministic correlation id of child i of a parent job
func ChildCorrelationID(namespace uuid.UUID, parentID string, i int) string {
	return uuid.NewSHA1(namespace, []byte(parentID+":"+strconv.Itoa(i))).String()
}

// StartChildren records the parent job and publishes one task per child at the target's first step.
// The spawning workflow resumes at continuation.NextKey once every child reached its processed step.
func (c *Coordinator) StartChildren(ctx context.Context, trigger contracts.Trigger, spawningKey string, attrs contracts.Attributes, continuation store.Continuation, msg *contracts.Message) error {
	if attrs.GrandParentCorrelationID != "" {
		return contracts.WithFlag(contracts.FlagRetry, fmt.Errorf("%w: %s already runs inside %s", ErrNestingTooDeep, spawningKey, attrs.GrandParentCorrelationID))
	}
	if c.jobs == nil {
		return ErrNoJobStore
	}
	first, ok := c.graph.FirstOf(trigger.Key)
	if !ok {
		return invalid(ErrInvalidTriggerKey, "%s is not a known sub-sequence", trigger.Key)
	}

	logger := c.logger.With("key", spawningKey, "correlationId", attrs.CorrelationID, "target", trigger.Key)

	if len(trigger.Messages) == 0 {
		logger.Info("empty fan-out, continuing immediately")
		msg.Append(CompletionMarker(spawningKey, 0))
		return c.out.send(ctx, continuation.NextKey, msg, resumeAttributes(continuation, attrs.CorrelationID, attrs.ParentCorrelationID, attrs.SiblingCount))
	}

	parentID := naming.ParentID(spawningKey, attrs.CorrelationID)
	children := make([]store.Child, len(trigger.Messages))
	for i, body := range trigger.Messages {
		children[i] = store.Child{CorrelationID: ChildCorrelationID(c.namespace, parentID, i), Body: body}
	}

	err := c.jobs.StoreParent(ctx, parentID, children, msg, continuation)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrParentExists):
		// A redelivered fan-out: children keep their names, so re-publishing is harmless.
		logger.Warn("parent job already stored, re-publishing children", "parentId", parentID)
	case errors.Is(err, store.ErrInvalidMessage):
		return contracts.WithFlag(contracts.FlagValidation, err)
	default:
		return newStorageError("store parent", parentID, err)
	}

	tasks := make([]Task, len(children))
	for i, child := range children {
		childAttrs := contracts.Attributes{
			Key:                      first,
			CorrelationID:            child.CorrelationID,
			ParentCorrelationID:      parentID,
			GrandParentCorrelationID: attrs.ParentCorrelationID,
			SiblingCount:             len(children),
			ParentSiblingCount:       attrs.SiblingCount,
			RunID:                    attrs.RunID,
			Queue:                    attrs.Queue,
		}
		task, err := c.out.task(first, child.Body, childAttrs)
		if err != nil {
			return err
		}
		tasks[i] = task
	}

	if err := c.out.publishAll(ctx, tasks); err != nil {
		return err
	}
	logger.Info("sub-sequence started", "parentId", parentID, "children", len(children))
	return nil
}

// CompleteChild records that the child in attrs reached its processed step.
// It returns true when this call published the continuation of the parent.
func (c *Coordinator) CompleteChild(ctx context.Context, attrs contracts.Attributes) (bool, error) {
	if c.jobs == nil {
		return false, ErrNoJobStore
	}
	parentID := attrs.ParentCorrelationID
	logger := c.logger.With("parentId", parentID, "correlationId", attrs.CorrelationID)

	if err := c.jobs.CompletedChild(ctx, parentID, attrs.CorrelationID); err != nil {
		return false, newStorageError("complete child", parentID, err)
	}

	completion, err := c.jobs.ParentIsComplete(ctx, parentID, attrs.SiblingCount)
	if err != nil {
		return false, newStorageError("read completion", parentID, err)
	}
	if !completion.IsLast {
		logger.Debug("child completed", "completed", completion.CompletedCount, "expected", attrs.SiblingCount)
		return false, nil
	}

	removed, err := c.jobs.RemoveParent(ctx, parentID)
	if err != nil {
		return false, newStorageError("remove parent", parentID, err)
	}
	if !removed {
		logger.Info("parent already resumed by a sibling")
		return false, nil
	}

	spawningKey, correlationID, ok := naming.SplitParentID(parentID)
	if !ok {
		return false, invalid(store.ErrParentNotFound, "malformed parent id %q", parentID)
	}

	parent := completion.Parent
	msg := parent.Message
	if msg == nil {
		msg = contracts.NewMessage(spawningKey, correlationID)
	}
	msg.Append(CompletionMarker(spawningKey, completion.CompletedCount))

	next := resumeAttributes(parent.Continuation, correlationID, attrs.GrandParentCorrelationID, attrs.ParentSiblingCount)
	if err := c.out.send(ctx, parent.Continuation.NextKey, msg, next); err != nil {
		return false, err
	}

	logger.Info("sub-sequence completed", "continuation", parent.Continuation.NextKey, "completed", completion.CompletedCount)
	return true, nil
}

// resumeAttributes are the attributes of the spawning workflow's continuation task
func resumeAttributes(continuation store.Continuation, correlationID, parentCorrelationID string, siblingCount int) contracts.Attributes {
	attrs := contracts.Attributes{
		Key:           continuation.NextKey,
		CorrelationID: correlationID,
		RunID:         continuation.RunID,
		Queue:         continuation.Queue,
	}
	if parentCorrelationID != "" {
		attrs.ParentCorrelationID = parentCorrelationID
		attrs.SiblingCount = siblingCount
	}
	return attrs
}
