package domain

import "fmt"

// Error types for consistent error handling across the engine.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input). Raised before any I/O.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrConfig indicates a misconfiguration detected at startup.
type ErrConfig struct {
	Field   string
	Message string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("configuration error on '%s': %s", e.Field, e.Message)
}

// ErrStoreAccess indicates an I/O failure against the document store.
type ErrStoreAccess struct {
	Op   string
	Path string
	Err  error
}

func (e *ErrStoreAccess) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ErrStoreAccess) Unwrap() error {
	return e.Err
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrLocked indicates another run already holds the named lock.
type ErrLocked struct {
	Name string
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("lock already held: %s", e.Name)
}

// ErrUnauthorized indicates an invalid or missing operator token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
