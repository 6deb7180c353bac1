package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey    = errors.New("missing model api key")
	ErrRetriesExhausted = errors.New("model request retries exhausted")
)

// StatusError is a non-2xx answer from the model service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("model api error: %d %s", e.StatusCode, body)
}

// Retryable reports whether another attempt could succeed: 429 and 5xx are
// transient, every other status is final.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ParseError means the service answered but the text held no usable JSON.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to parse JSON from model response: %v", e.Err)
	}
	return "unable to parse JSON from model response"
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorKind groups failures by how a caller should react to them.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
	KindParse     ErrorKind = "parse"
	KindCanceled  ErrorKind = "canceled"
)

// KindOf classifies an error returned by Client.Execute.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return KindParse
	}
	if errors.Is(err, ErrMissingAPIKey) {
		return KindFatal
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return KindTransient
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return KindTransient
		}
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindTransient
}
