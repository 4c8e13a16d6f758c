package domain

import "fmt"

// EngineError is the unified error type for the governance core.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("governance error %d: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code, so wrapped variants built
// with NewEngineError still match their sentinel through errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Bus errors (-32010 to -32039) ----

var (
	ErrSubscriptionNotFound = &EngineError{Code: -32010, Message: "subscription not found"}
	ErrNilHandler           = &EngineError{Code: -32011, Message: "handler must not be nil"}
	ErrBusClosed            = &EngineError{Code: -32012, Message: "event bus is closed"}
	ErrHandlerFailed        = &EngineError{Code: -32013, Message: "event handler failed"}
	ErrInvalidEventType     = &EngineError{Code: -32014, Message: "event type must not be empty"}
)

// ---- Safety / loop guard errors (-32040 to -32069) ----

var (
	ErrLoopDetected    = &EngineError{Code: -32040, Message: "event loop detected"}
	ErrFallbackEngaged = &EngineError{Code: -32041, Message: "fallback engaged"}
	ErrSafetyBreak     = &EngineError{Code: -32042, Message: "safety break engaged"}
	ErrSafeModeActive  = &EngineError{Code: -32043, Message: "safe mode is active"}
	ErrInvalidState    = &EngineError{Code: -32044, Message: "invalid breaker state transition"}
)

// ---- Temporal errors (-32070 to -32099) ----

var (
	ErrInvalidScope = &EngineError{Code: -32070, Message: "invalid temporal scope"}
)

// ---- Gateway / Permission errors (-32100 to -32129) ----

var (
	ErrEngineNotRegistered  = &EngineError{Code: -32100, Message: "engine not registered"}
	ErrEventNotAllowed      = &EngineError{Code: -32101, Message: "event not in allowed list"}
	ErrPermissionDenied     = &EngineError{Code: -32102, Message: "permission denied"}
	ErrAuthorityUnreachable = &EngineError{Code: -32103, Message: "central authority unreachable"}
	ErrDuplicateEngine      = &EngineError{Code: -32104, Message: "engine already registered"}
	ErrInvalidPrivilege     = &EngineError{Code: -32105, Message: "invalid privilege"}
	ErrInvalidEngine        = &EngineError{Code: -32106, Message: "invalid engine registration"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit     = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery    = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite    = &EngineError{Code: -32132, Message: "store write failed"}
	ErrConfigInvalid = &EngineError{Code: -32136, Message: "invalid configuration"}
)

// HandlerError wraps a failure raised by a single subscriber during dispatch.
// It is logged and counted at the bus boundary and never reaches the publisher.
type HandlerError struct {
	EventType      EventType
	SubscriptionID string
	Cause          error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %s: %v", e.SubscriptionID, e.EventType, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *HandlerError) Unwrap() error { return e.Cause }

// Is matches ErrHandlerFailed.
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailed
}
