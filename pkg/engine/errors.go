package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network failures while fetching, resolution timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a concurrent modification of shared state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that will repeat on retry.
	// Examples: unbound identifiers, compilation errors, type mismatches.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeUnbound          = "UNBOUND_IDENTIFIER"
	ErrCodeFetch            = "FETCH_FAILED"
	ErrCodeCompilation      = "COMPILATION_FAILED"
	ErrCodeInstantiation    = "INSTANTIATION_FAILED"
	ErrCodeTypeMismatch     = "TYPE_MISMATCH"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeExecution        = "EXECUTION_FAILED"
	ErrCodeStore            = "STORE_FAILED"
	ErrCodeReadOnly         = "READ_ONLY"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Classified is implemented by every error in this package.
type Classified interface {
	error
	ErrorClass() ErrorClass
	ErrorCode() string
}

// UnboundIdentifierError is returned when a script reference names an
// identifier that has no binding.
type UnboundIdentifierError struct {
	ScriptID string
}

func (e *UnboundIdentifierError) Error() string {
	return fmt.Sprintf("script %q is not bound to a location", e.ScriptID)
}

func (e *UnboundIdentifierError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *UnboundIdentifierError) ErrorCode() string      { return ErrCodeUnbound }

// FetchError wraps a transport failure while retrieving content.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error          { return e.Err }
func (e *FetchError) ErrorClass() ErrorClass { return ErrorClassTransient }
func (e *FetchError) ErrorCode() string      { return ErrCodeFetch }

// ReadOnlyError is returned when content is written to a location whose
// transport cannot store it.
type ReadOnlyError struct {
	Location string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("location %s is read-only", e.Location)
}

func (e *ReadOnlyError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *ReadOnlyError) ErrorCode() string      { return ErrCodeReadOnly }

// CompilationError is returned when source text is not a valid program.
type CompilationError struct {
	Identifier string
	Origin     string
	Err        error
}

func (e *CompilationError) Error() string {
	if e.Origin != "" {
		return fmt.Sprintf("compile %s (%s): %v", e.Identifier, e.Origin, e.Err)
	}
	return fmt.Sprintf("compile %s: %v", e.Identifier, e.Err)
}

func (e *CompilationError) Unwrap() error          { return e.Err }
func (e *CompilationError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *CompilationError) ErrorCode() string      { return ErrCodeCompilation }

// InstantiationError is returned when a compiled program cannot produce an
// executable, or when its collaborators cannot be wired.
type InstantiationError struct {
	Identifier string
	Origin     string
	Err        error
}

func (e *InstantiationError) Error() string {
	if e.Origin != "" {
		return fmt.Sprintf("instantiate %s (%s): %v", e.Identifier, e.Origin, e.Err)
	}
	return fmt.Sprintf("instantiate %s: %v", e.Identifier, e.Err)
}

func (e *InstantiationError) Unwrap() error          { return e.Err }
func (e *InstantiationError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *InstantiationError) ErrorCode() string      { return ErrCodeInstantiation }

// Type slots reported by TypeMismatchError.
const (
	SlotInput  = "input"
	SlotOutput = "output"
)

// TypeMismatchError is returned when an executable's declared type is not
// assignable from the type requested by the caller.
type TypeMismatchError struct {
	Identifier string
	Slot       string
	Declared   TypeDescriptor
	Requested  TypeDescriptor
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s type mismatch: declared %s, requested %s",
		e.Identifier, e.Slot, e.Declared, e.Requested)
}

func (e *TypeMismatchError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *TypeMismatchError) ErrorCode() string      { return ErrCodeTypeMismatch }

// ResolutionError is returned when no resolver can produce an executable for
// an identifier.
type ResolutionError struct {
	Identifier string
	Reason     string
	Err        error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve %s", e.Identifier)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error          { return e.Err }
func (e *ResolutionError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *ResolutionError) ErrorCode() string      { return ErrCodeNotFound }

// TimeoutError is returned when a resolution or fetch attempt exceeds its
// time budget. It is retryable.
type TimeoutError struct {
	Identifier string
	Operation  string
	After      time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Operation, e.Identifier, e.After)
}

func (e *TimeoutError) ErrorClass() ErrorClass { return ErrorClassTransient }
func (e *TimeoutError) ErrorCode() string      { return ErrCodeTimeout }

// DeniedError is returned when the sandbox policy rejects an operation.
type DeniedError struct {
	Identifier string
	Operation  string
	Reasons    []string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("%s %s: denied by policy", e.Operation, e.Identifier)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *DeniedError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *DeniedError) ErrorCode() string      { return ErrCodePermissionDenied }

// ExecutionError wraps a failure raised by a running script or executable.
type ExecutionError struct {
	Identifier string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Identifier, e.Err)
}

func (e *ExecutionError) Unwrap() error          { return e.Err }
func (e *ExecutionError) ErrorClass() ErrorClass { return ErrorClassPermanent }
func (e *ExecutionError) ErrorCode() string      { return ErrCodeExecution }

// EngineError is a general classified error used by collaborators that have
// no dedicated error type, such as binding stores.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) ErrorClass() ErrorClass { return e.Class }

func (e *EngineError) ErrorCode() string {
	if e.Code == "" {
		return ErrCodeInternal
	}
	return e.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// ClassOf returns the class of the first classified error in err's chain.
// Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return ErrorClassPermanent
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// IsNotFound reports whether err means that no executable exists for the
// requested identifier.
func IsNotFound(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IdentifierOf returns the identifier or location carried by the outermost
// error in err's chain that has one.
func IdentifierOf(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *UnboundIdentifierError:
			return v.ScriptID
		case *FetchError:
			return v.Location
		case *ReadOnlyError:
			return v.Location
		case *CompilationError:
			return v.Identifier
		case *InstantiationError:
			return v.Identifier
		case *TypeMismatchError:
			return v.Identifier
		case *ResolutionError:
			return v.Identifier
		case *TimeoutError:
			return v.Identifier
		case *DeniedError:
			return v.Identifier
		case *ExecutionError:
			return v.Identifier
		}
	}
	return ""
}
