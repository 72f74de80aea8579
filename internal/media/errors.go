package media

import (
	"errors"
	"fmt"
)

// Kind classifies an error from the media server control plane. The set is
// closed; every failure the client surfaces carries exactly one kind.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindServerError    Kind = "server_error"
	KindConnection     Kind = "connection"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
	KindGeneric        Kind = "generic"
)

// Error is a classified media server error.
type Error struct {
	Kind       Kind
	Method     string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("media %s: %s (%s)", e.Method, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("media %s: %v (%s)", e.Method, e.Err, e.Kind)
	}
	return fmt.Sprintf("media %s: status %d (%s)", e.Method, e.StatusCode, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindGeneric when err is not a media
// client error.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindGeneric
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 400:
		return KindValidation
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindServerError
	default:
		return KindGeneric
	}
}

// retryable reports whether an error of this kind may succeed on retry.
// The set matches {429, 5xx, connection, timeout}.
func retryable(k Kind, status int) bool {
	switch k {
	case KindConnection, KindTimeout:
		return true
	case KindRateLimit:
		return true
	case KindServerError:
		return status == 500 || status == 502 || status == 503 || status == 504 || status == 0
	default:
		return false
	}
}
