package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Code is a wire-visible error or close code.
type Code int

const (
	CodeNormalClosure     Code = 1000
	CodeGoingAway         Code = 1001
	CodeInternalClose     Code = 1011
	CodeMalformedMessage  Code = 4000
	CodeMissingType       Code = 4001
	CodeUnknownType       Code = 4002
	CodeNoActiveSession   Code = 4003
	CodeSessionNotFound   Code = 4004
	CodeSessionInactive   Code = 4005
	CodeRateLimitExceeded Code = 4029
	CodeInvalidEvent      Code = 4400
	CodeConflict          Code = 4409
	CodeInternal          Code = 4500
	CodeBackendFailure    Code = 4502
)

func (c Code) String() string { return strconv.Itoa(int(c)) }

// WebSocketError is a failure that can be rendered as an error frame.
// Fatal errors terminate the connection after the frame is sent.
type WebSocketError struct {
	Code    Code
	Message string
	Data    map[string]any
	Fatal   bool

	err error
}

// NewError creates a non-fatal WebSocketError.
func NewError(code Code, message string) *WebSocketError {
	return &WebSocketError{Code: code, Message: message}
}

// Errorf creates a non-fatal WebSocketError with a formatted message.
func Errorf(code Code, format string, args ...any) *WebSocketError {
	return &WebSocketError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a WebSocketError that keeps err as its cause.
func WrapError(code Code, message string, err error) *WebSocketError {
	return &WebSocketError{Code: code, Message: message, err: err}
}

func (e *WebSocketError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.err)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *WebSocketError) Unwrap() error { return e.err }

// WithData returns a copy of e carrying an extra data field.
func (e *WebSocketError) WithData(key string, value any) *WebSocketError {
	cp := *e
	cp.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	cp.Data[key] = value
	return &cp
}

// AsFatal returns a copy of e that terminates the connection.
func (e *WebSocketError) AsFatal() *WebSocketError {
	cp := *e
	cp.Fatal = true
	return &cp
}

// Frame renders e as an outbound error frame.
func (e *WebSocketError) Frame(eventID string, now time.Time) ErrorFrame {
	return ErrorFrame{
		Type:      TypeError,
		EventID:   eventID,
		Code:      e.Code,
		Message:   e.Message,
		Data:      e.Data,
		Timestamp: now.UTC(),
	}
}

// AsWebSocketError converts any error into a WebSocketError.
// Errors that are not already WebSocketErrors become internal errors;
// their details stay in logs and are not sent to the client.
func AsWebSocketError(err error) *WebSocketError {
	if err == nil {
		return nil
	}
	var wsErr *WebSocketError
	if errors.As(err, &wsErr) {
		return wsErr
	}
	return WrapError(CodeInternal, "internal server error", err)
}

// ConnectionError reports a transport-level failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection " + e.Op + " failed"
	}
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
