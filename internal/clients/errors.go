package clients

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

type ErrorClass string

const (
	ClassTransient   ErrorClass = "TRANSIENT"
	ClassPermanent   ErrorClass = "PERMANENT"
	ClassRateLimited ErrorClass = "RATE_LIMITED"
)

// CallError is a classified failure from a remote dependency. Class drives
// the caller's retry decision; Status and Code carry the raw HTTP status
// and service-specific error code for the logs.
type CallError struct {
	Class      ErrorClass
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: code %s: %s", e.Class, e.Code, msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Class, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, msg)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func Transient(format string, args ...any) *CallError {
	return &CallError{Class: ClassTransient, Message: fmt.Sprintf(format, args...)}
}

func Permanent(format string, args ...any) *CallError {
	return &CallError{Class: ClassPermanent, Message: fmt.Sprintf(format, args...)}
}

// ClassOf returns the class of err. Anything unclassified (transport
// errors, timeouts, decode failures) defaults to TRANSIENT.
func ClassOf(err error) ErrorClass {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// RetryAfterOf returns the server-provided retry hint, zero if none.
func RetryAfterOf(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

const maxErrBody = 512

func statusError(resp *http.Response, body []byte) *CallError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrBody {
		msg = msg[:maxErrBody] + "..."
	}
	e := &CallError{
		Class:   classifyStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: msg,
	}
	if e.Class == ClassRateLimited {
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return e
}
