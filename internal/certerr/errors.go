package certerr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed caller input. It is raised before any
// provider call and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ProviderUnavailableError is a transport or auth failure talking to a provider.
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s unavailable", e.Provider)
	}
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// NoProviderAvailableError is returned by selection when no provider is healthy.
type NoProviderAvailableError struct{}

func (e *NoProviderAvailableError) Error() string { return "no healthy provider available" }

// ProviderRequestError means the provider rejected this specific operation.
type ProviderRequestError struct {
	Provider string
	Err      error
}

func (e *ProviderRequestError) Error() string {
	return fmt.Sprintf("provider %s rejected request: %v", e.Provider, e.Err)
}

func (e *ProviderRequestError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation attempted from a state that does not allow it.
type InvalidStateError struct {
	Current   string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: current state is %s", e.Operation, e.Current)
}

// NotFoundError reports an unknown resource id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// LimitExceededError is the subscription quota error. Raised before any side effect.
type LimitExceededError struct {
	CurrentCount int
	Limit        int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("certificate limit exceeded: %d of %d in use", e.CurrentCount, e.Limit)
}

// TimeoutError reports a challenge or provider call that ran past its deadline.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s timed out", e.Operation)
	}
	return fmt.Sprintf("%s timed out: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err should be retried on the next poll or scan
// rather than failing the certificate.
func IsRetryable(err error) bool {
	var unavailable *ProviderUnavailableError
	var timeout *TimeoutError
	var none *NoProviderAvailableError
	return errors.As(err, &unavailable) || errors.As(err, &timeout) || errors.As(err, &none)
}

// IsTerminal reports whether err ends the current attempt for the certificate.
func IsTerminal(err error) bool {
	var request *ProviderRequestError
	var state *InvalidStateError
	var notFound *NotFoundError
	return errors.As(err, &request) || errors.As(err, &state) || errors.As(err, &notFound)
}
