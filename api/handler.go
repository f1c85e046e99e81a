// Package api exposes the dispatcher over HTTP.
//
// Every key is reachable at POST <basePath>/<key with dots as slashes>. Transport
// headers map onto dispatch attributes and the dispatcher's response status is
// returned as is, so push-style task queues retry on anything but 2xx.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/engine"
	"github.com/glimte/mmate-saga/internal/naming"
)

// DefaultMaxBodySize bounds request bodies
const DefaultMaxBodySize = 10 << 20

// Dispatcher is what the handler drives
type Dispatcher interface {
	DispatchRaw(ctx context.Context, key string, body []byte, attrs contracts.Attributes) engine.Response
	Resend(ctx context.Context, req engine.ResendRequest) engine.Response
}

// Option configures the handler
type Option func(*handler)

// WithBasePath sets the versioned route root
func WithBasePath(basePath string) Option {
	return func(h *handler) {
		h.basePath = strings.TrimSuffix(basePath, "/")
	}
}

// WithHealth serves h at GET <basePath>/healthz
func WithHealth(health http.Handler) Option {
	return func(h *handler) {
		h.health = health
	}
}

// WithMaxBodySize bounds request bodies
func WithMaxBodySize(n int64) Option {
	return func(h *handler) {
		h.maxBody = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *handler) {
		h.logger = logger
	}
}

type handler struct {
	dispatcher Dispatcher
	basePath   string
	health     http.Handler
	maxBody    int64
	logger     *slog.Logger
}

// NewHandler returns the HTTP binding of d
func NewHandler(d Dispatcher, opts ...Option) http.Handler {
	h := &handler{
		dispatcher: d,
		basePath:   engine.DefaultBasePath,
		maxBody:    DefaultMaxBodySize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.basePath+"/resend", h.resend)
	mux.HandleFunc("POST "+h.basePath+"/", h.dispatch)
	if h.health != nil {
		mux.Handle("GET "+h.basePath+"/healthz", h.health)
	}
	return mux
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := naming.KeyFromPath(strings.TrimPrefix(r.URL.Path, h.basePath))
	if key == "" {
		h.write(w, engine.Response{
			Status:  http.StatusNotFound,
			Outcome: engine.OutcomeNotFound,
			Error:   contracts.NewErrorBody(engine.ErrorTypeNotFound, engine.ErrUnknownKey),
		})
		return
	}

	body, err := h.read(w, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	attrs := contracts.AttributesFromHeaders(key, r.Header.Get)
	resp := h.dispatcher.DispatchRaw(r.Context(), key, body, attrs)
	h.logger.Debug("request dispatched",
		"key", key,
		"status", resp.Status,
		"outcome", resp.Outcome,
		"correlationId", resp.CorrelationID,
		"duration", time.Since(start))
	h.write(w, resp)
}

func (h *handler) resend(w http.ResponseWriter, r *http.Request) {
	body, err := h.read(w, r)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	var req engine.ResendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	if req.RelativeURL == "" {
		h.badRequest(w, errors.New("relativeUrl is required"))
		return
	}
	h.write(w, h.dispatcher.Resend(r.Context(), req))
}

func (h *handler) read(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
}

func (h *handler) badRequest(w http.ResponseWriter, err error) {
	h.write(w, engine.Response{
		Status:  http.StatusBadRequest,
		Outcome: engine.OutcomeRejected,
		Error:   contracts.NewErrorBody(engine.ErrorTypeValidation, err),
	})
}

func (h *handler) write(w http.ResponseWriter, resp engine.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
