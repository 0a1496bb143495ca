// Package apperr holds the error taxonomy shared by the lab services and
// its mapping onto HTTP responses. Callers match with errors.As/errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by repositories and services for unknown ids.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad operator input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotConfiguredError means no usable channel mapping exists for a code. It
// is an expected outcome, not an operator failure.
type NotConfiguredError struct {
	DeviceCode string
	NativeCode string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("no active mapping for code %q on device %s", e.NativeCode, e.DeviceCode)
}

// ResolutionError means mapping or order lookup failed for a row.
type ResolutionError struct {
	Reason string
}

func (e *ResolutionError) Error() string { return e.Reason }

// ConflictError reports a lost compare-and-set on a staging row. The losing
// caller treats it as a no-op.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// TransportError wraps a failure talking to the order subsystem. Status is
// zero for network failures.
type TransportError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Detail != "" && e.Status != 0:
		return fmt.Sprintf("%s: order service returned %d: %s", e.Op, e.Status, e.Detail)
	case e.Status != 0:
		return fmt.Sprintf("%s: order service returned %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": order service unavailable"
}

func (e *TransportError) Unwrap() error { return e.Err }

// PermissionError is returned before any call when the caller lacks a
// capability.
type PermissionError struct {
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing capability %s", e.Capability)
}

// HTTPStatus maps an error onto the response status for the API.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		notConf    *NotConfiguredError
		resolution *ResolutionError
		conflict   *ConflictError
		transport  *TransportError
		permission *PermissionError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &permission):
		return http.StatusForbidden
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notConf), errors.As(err, &resolution):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Field returns the offending field of a ValidationError, if any.
func Field(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Field
	}
	return ""
}
