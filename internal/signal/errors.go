package signal

import "fmt"

// Error codes for sample resolution
const (
	ErrCodeMalformedSample = "MALFORMED_SAMPLE"
	ErrCodeInvalidMask     = "INVALID_MASK"
	ErrCodeBadProjection   = "BAD_PROJECTION"
	ErrCodeEmptyPacket     = "EMPTY_PACKET"
)

// SignalError carries a code and context for sample-path failures.
// All of them are non-fatal: the offending sample or packet is dropped
// and counted, never escalated into a process failure.
type SignalError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SignalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *SignalError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *SignalError) WithContext(key string, value interface{}) *SignalError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewSignalError creates a new coded signal error
func NewSignalError(code, message string) *SignalError {
	return &SignalError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// ErrMalformedSample reports a sample whose length does not match the schema
func ErrMalformedSample(got, want int) *SignalError {
	return NewSignalError(ErrCodeMalformedSample, "sample length does not match schema").
		WithContext("got", got).
		WithContext("want", want)
}

// ErrInvalidMask reports a validity mask whose length does not match the schema
func ErrInvalidMask(got, want int) *SignalError {
	return NewSignalError(ErrCodeInvalidMask, "mask length does not match schema").
		WithContext("got", got).
		WithContext("want", want)
}
