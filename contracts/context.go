package contracts

import (
	"log/slog"
	"net/http"
)

// Requester performs outbound HTTP calls on behalf of a step handler.
// *http.Client satisfies it.
type Requester interface {
	Do(req *http.Request) (*http.Response, error)
}

// StepContext is passed explicitly to every step and trigger handler
type StepContext struct {
	Attributes Attributes
	Logger     *slog.Logger
	HTTP       Requester
}
