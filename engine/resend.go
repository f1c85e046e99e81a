package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/naming"
)

// ResendRequest republishes a stuck task
type ResendRequest struct {
	RelativeURL string            `json:"relativeUrl"`
	Body        json.RawMessage   `json:"body"`
	Headers     map[string]string `json:"headers"`
	Queue       string            `json:"queue"`
}

// Resend republishes the task described by req with an incremented resend number.
// The new number changes the task name, so a publisher that drops duplicates accepts it.
func (d *Dispatcher) Resend(ctx context.Context, req ResendRequest) Response {
	path := req.RelativeURL
	if d.basePath != "" {
		path = strings.TrimPrefix(path, d.basePath)
	}
	key := naming.KeyFromPath(path)
	attrs := contracts.AttributesFromMap(key, req.Headers)
	attrs.Queue = req.Queue

	route, ok := d.graph.Resolve(key)
	if !ok {
		return d.notFound(key, attrs)
	}
	routePath, _ := d.graph.URL(route.Key)
	logger := d.logger.With("key", key, "correlationId", attrs.CorrelationID, "runId", attrs.RunID)

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	resendNumber := attrs.ResendNumber + 1
	headers[contracts.HeaderResendNumber] = strconv.Itoa(resendNumber)

	body := []byte(req.Body)
	url := d.basePath + routePath
	task := Task{
		URL:     url,
		Key:     key,
		Name:    TaskName(url, body, headers),
		Body:    body,
		Headers: headers,
		Queue:   req.Queue,
	}
	if err := d.out.publish(ctx, task); err != nil {
		return d.fail(ctx, logger, key, nil, attrs, fmt.Errorf("resend: %w", err))
	}

	logger.Info("task resent", "task", task.Name, "resendNumber", resendNumber)
	return Response{Status: http.StatusCreated, Outcome: OutcomeAccepted, CorrelationID: attrs.CorrelationID, RunID: attrs.RunID}
}
