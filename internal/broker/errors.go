package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// Class buckets broker failures by how the caller should react.
type Class string

const (
	ClassAuth      Class = "AUTH_ERROR"
	ClassRateLimit Class = "RATE_LIMIT"
	ClassNetwork   Class = "NETWORK"
	ClassSchema    Class = "SCHEMA_ERROR"
	ClassUnknown   Class = "UNKNOWN"
)

// Retryable reports whether errors of class c are transient.
func (c Class) Retryable() bool {
	return c == ClassRateLimit || c == ClassNetwork
}

// ErrSchema marks a response that does not match its declared contract.
var ErrSchema = errors.New("broker response does not match contract")

// Error is the typed error returned across the broker boundary.
type Error struct {
	Class    Class
	Op       string
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "broker %s: %s", e.Op, e.Class)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error to a Class. nil maps to "".
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) && be.Class != "" {
		return be.Class
	}
	if errors.Is(err, ErrSchema) {
		return ClassSchema
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	if errors.Is(err, context.Canceled) {
		return ClassUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassSchema
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "forbidden", "invalid api key", "authentication"):
		return ClassAuth
	case containsAny(msg, "rate limit", "too many requests"):
		return ClassRateLimit
	case containsAny(msg, "connection refused", "connection reset", "timeout", "eof", "no such host", "broken pipe", "unreachable"):
		return ClassNetwork
	}
	return ClassUnknown
}

// ClassifyStatus maps an HTTP status to a Class.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestTimeout || status >= 500:
		return ClassNetwork
	}
	return ClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
