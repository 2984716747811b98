// Package apperr defines the error taxonomy shared by the capture pipeline,
// the realtime client and the batch transcription flow.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-distinguishable category of a failure
type Kind int

const (
	KindUnknown  Kind = iota
	KindHardware      // device missing, permission denied, initialization timeout
	KindNetwork       // connect failure, send failure, malformed message
	KindProtocol      // server-reported error code/message
	KindTimeout       // finalize wait, batch polling
)

// String returns the lowercase kind name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindHardware:
		return "hardware"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Well-known codes
const (
	CodeDeviceUnavailable  = "device_unavailable"
	CodePermissionDenied   = "permission_denied"
	CodeHardwareTimeout    = "hardware_timeout"
	CodeConnectFailed      = "connect_failed"
	CodeSendFailed         = "send_failed"
	CodeMalformedMessage   = "malformed_message"
	CodeReconnectExhausted = "reconnect_exhausted"
	CodeFinalizeTimeout    = "finalize_timeout"
	CodePollTimeout        = "poll_timeout"
	CodeServerError        = "server_error"
	CodeTranscriptionError = "transcription_error"
)

// Error is a typed failure carrying a human-readable message and a kind
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fatal marks failures the caller must not retry automatically
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind and Code so sentinel comparisons work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether an automatic retry makes sense
func (e *Error) Retryable() bool {
	if e.Fatal {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHardware:
		return e.Code == CodeDeviceUnavailable || e.Code == CodeHardwareTimeout
	}
	return false
}

// New creates an error of the given kind
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap wraps err with a kind and code. A nil err yields nil.
func Wrap(err error, kind Kind, code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Hardware(code, message string, err error) *Error {
	return &Error{Kind: KindHardware, Code: code, Message: message, Err: err, Fatal: code == CodePermissionDenied}
}

func Network(code, message string, err error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Message: message, Err: err}
}

func Protocol(code, message string, fatal bool) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message, Fatal: fatal}
}

func Timeout(code, message string) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err carries a fatal *Error
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}

// IsRetryable reports whether err carries a retryable *Error
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
