package api

import (
	"net/http"

	"github.com/ashureev/keysearch/internal/service"
)

// Envelope is the wire shape of every response. Code equals the HTTP status.
type Envelope struct {
	Code        int            `json:"code"`
	Status      service.Status `json:"status"`
	Message     string         `json:"message"`
	Result      any            `json:"result"`
	Reason      *string        `json:"reason"`
	Unpersisted bool           `json:"unpersisted,omitempty"`
}

// NewEnvelope converts a service outcome to its wire form.
func NewEnvelope(out service.Outcome) Envelope {
	env := Envelope{
		Code:        HTTPStatus(out.Status),
		Status:      out.Status,
		Message:     out.Message,
		Result:      out.Result,
		Unpersisted: out.Status == service.StatusDegraded,
	}
	if out.Reason != "" {
		reason := out.Reason
		env.Reason = &reason
	}
	return env
}

// HTTPStatus maps an outcome classification to an HTTP status code.
func HTTPStatus(s service.Status) int {
	switch s {
	case service.StatusOK, service.StatusDegraded:
		return http.StatusOK
	case service.StatusInvalid:
		return http.StatusBadRequest
	case service.StatusCredential:
		return http.StatusUnauthorized
	case service.StatusUnauthorized, service.StatusNotFound:
		return http.StatusNotFound
	case service.StatusConflict:
		return http.StatusConflict
	case service.StatusUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteOutcome writes out as an Envelope.
func WriteOutcome(w http.ResponseWriter, out service.Outcome) {
	env := NewEnvelope(out)
	JSON(w, env.Code, env)
}
