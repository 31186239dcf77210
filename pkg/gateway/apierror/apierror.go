// Package apierror maps gateway failures onto the JSON error envelope
// returned by HTTP endpoints.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-live/pkg/core/voice/stt"
	"github.com/vango-go/vai-live/pkg/gateway/live/protocol"
)

type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeAPI            Type = "api_error"
	TypeOverloaded     Type = "overloaded_error"
	TypeProvider       Type = "provider_error"
)

// StatusOverloaded is returned while the gateway drains or is at capacity.
const StatusOverloaded = 529

type Error struct {
	Type       Type   `json:"type"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      TypeInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			Code:      decodeErr.Code,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	if pe, ok := stt.IsProviderError(err); ok {
		return &Error{
			Type:      TypeProvider,
			Message:   pe.Provider + " unavailable",
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	// Unknown errors do not leak details.
	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOverloaded:
		return StatusOverloaded
	case TypeProvider, TypeAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write encodes apiErr as the response body. A missing request id is filled in
// from requestID.
func Write(w http.ResponseWriter, status int, requestID string, apiErr *Error) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = requestID
	}
	if apiErr != nil && apiErr.RetryAfter != nil && *apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(*apiErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}

// WriteError maps err through FromError and writes the result.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	apiErr, status := FromError(err, requestID)
	Write(w, status, requestID, apiErr)
}
