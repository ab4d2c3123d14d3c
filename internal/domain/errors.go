package domain

import (
	"errors"
	"fmt"
)

// ProviderStatus classifies an external provider failure.
type ProviderStatus string

const (
	ProviderRateLimited ProviderStatus = "RATE_LIMITED"
	ProviderNotFound    ProviderStatus = "NOT_FOUND"
	ProviderServerError ProviderStatus = "SERVER_ERROR"
	ProviderTimeout     ProviderStatus = "TIMEOUT"
	ProviderUnreachable ProviderStatus = "UNREACHABLE"
)

// ProviderError is a transient or terminal failure from an external data
// provider. Rate limits, server errors and timeouts are retryable inside the
// access guard; NOT_FOUND and UNREACHABLE are not.
type ProviderError struct {
	Provider string
	Status   ProviderStatus
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Status)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the guard may retry the call with backoff.
func (e *ProviderError) Retryable() bool {
	switch e.Status {
	case ProviderRateLimited, ProviderServerError, ProviderTimeout:
		return true
	}
	return false
}

// DataIntegrityError marks a symbol whose raw input was missing or malformed.
// The symbol is skipped and logged; the batch continues.
type DataIntegrityError struct {
	Symbol string
	Field  string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: symbol %s field %q: %s", e.Symbol, e.Field, e.Reason)
}

// ConfigError is an invalid configuration detected at construction time,
// before any writes occur.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// DependencyNotReadyError blocks a stage whose upstream has no sufficiently
// fresh success. Informational, not alert-worthy.
type DependencyNotReadyError struct {
	Stage      string
	Dependency string
	Reason     string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("stage %s blocked: dependency %s %s", e.Stage, e.Dependency, e.Reason)
}

// PersistenceError is a store write/read failure that survived its bounded
// retries; it fails the whole stage.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrAlreadyRunning rejects a second concurrent execution of a stage.
var ErrAlreadyRunning = errors.New("stage already running")

// IsRetryableProvider reports whether err is a retryable provider failure.
func IsRetryableProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}
