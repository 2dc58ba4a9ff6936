// Package httputil writes the JSON envelope shared by every API response.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
)

// APIVersion is reported in every envelope.
const APIVersion = "1.0.0"

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 1 << 20

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess wraps data in a successful envelope.
func WriteSuccess(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   APIVersion,
	})
}

// WriteError maps err to its ServiceError status and code. Internal errors
// hide their cause from the client.
func WriteError(w http.ResponseWriter, err error) {
	se := svcerrors.From(err)
	if se == nil {
		se = svcerrors.Internal(fmt.Errorf("unknown error"))
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	msg := se.Message
	if status < http.StatusInternalServerError && se.Err != nil && se.Code != svcerrors.CodeInvalidAuth {
		msg = se.Error()
	}
	WriteJSON(w, status, APIResponse{
		Success:   false,
		Error:     msg,
		Code:      string(se.Code),
		Details:   se.Details,
		Timestamp: time.Now().UTC(),
		Version:   APIVersion,
	})
}

// DecodeJSON decodes a bounded JSON body into dst, rejecting unknown fields.
// An empty body leaves dst untouched.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return svcerrors.Validation("invalid request body").WithCause(err)
	}
	return nil
}
