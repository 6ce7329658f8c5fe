package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewDomainError (or wrap directly) so the
// gateway can map failures to stable error codes.
var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrDuplicate         = fmt.Errorf("duplicate")
	ErrPermissionDenied  = fmt.Errorf("permission denied")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	ErrDispatchFailed    = fmt.Errorf("session dispatch failed")
	ErrTerminated        = fmt.Errorf("agent terminated")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrAborted           = fmt.Errorf("operation aborted")
	ErrStoreWrite        = fmt.Errorf("store write failed")
	ErrRateLimited       = fmt.Errorf("rate limited")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Manager.SpawnAgent")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category surfaced to transport
// clients on rejected commands.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeDispatchFailed    ErrorCode = "DISPATCH_FAILED"
	CodeTerminated        ErrorCode = "AGENT_TERMINATED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeAborted           ErrorCode = "ABORTED"
	CodeStoreWrite        ErrorCode = "STORE_WRITE"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrPermissionDenied:  CodePermissionDenied,
	ErrInvalidInput:      CodeInvalidInput,
	ErrInvalidTransition: CodeInvalidTransition,
	ErrDispatchFailed:    CodeDispatchFailed,
	ErrTerminated:        CodeTerminated,
	ErrTimeout:           CodeTimeout,
	ErrAborted:           CodeAborted,
	ErrStoreWrite:        CodeStoreWrite,
	ErrRateLimited:       CodeRateLimited,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is and returns CodeUnknown when no
// sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
