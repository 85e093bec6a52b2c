package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go_certorch/internal/certerr"
)

// Business error codes
const (
	// Success
	CodeSuccess = 0

	// Authentication/Authorization errors (1000-1099)
	CodeUnauthorized = 1001 // Not logged in / Token missing
	CodeInvalidToken = 1002 // Token invalid
	CodeTokenExpired = 1003 // Token expired

	// Parameter errors (2000-2099)
	CodeParamInvalid = 2002 // Parameter format error or illegal value

	// Resource/Business errors (3000-3999)
	CodeNotFound         = 3001 // Resource not found
	CodeStateConflict    = 3003 // Current state does not allow operation
	CodeLimitExceeded    = 3004 // Subscription certificate limit reached
	CodeProviderRejected = 3005 // Provider refused this request

	// System errors (5000-5999)
	CodeInternalError       = 5001 // Internal service error
	CodeProviderUnavailable = 5003 // Provider unreachable or none healthy
	CodeTimeout             = 5004 // Provider call or challenge timed out
)

// AppError represents an application error with HTTP status and business code
type AppError struct {
	HTTPStatus int         // HTTP status code
	Code       int         // Business error code
	Message    string      // User-facing error message
	Err        error       // Internal error (for logging only, not returned to client)
	Data       interface{} // Additional data (for detailed error information)
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code=%d, message=%s, err=%v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code=%d, message=%s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithData adds additional data to the error
func (e *AppError) WithData(data interface{}) *AppError {
	e.Data = data
	return e
}

// NewAppError creates a new AppError
func NewAppError(httpStatus, code int, message string, err error) *AppError {
	return &AppError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// ErrUnauthorized creates a 401 unauthorized error
func ErrUnauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return NewAppError(http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// ErrInvalidToken creates a 401 invalid token error
func ErrInvalidToken(message string) *AppError {
	if message == "" {
		message = "invalid token"
	}
	return NewAppError(http.StatusUnauthorized, CodeInvalidToken, message, nil)
}

// ErrTokenExpired creates a 401 token expired error
func ErrTokenExpired(message string) *AppError {
	if message == "" {
		message = "token expired"
	}
	return NewAppError(http.StatusUnauthorized, CodeTokenExpired, message, nil)
}

// ErrParamInvalid creates a 400 parameter invalid error
func ErrParamInvalid(message string) *AppError {
	if message == "" {
		message = "parameter format error"
	}
	return NewAppError(http.StatusBadRequest, CodeParamInvalid, message, nil)
}

// ErrNotFound creates a 404 not found error
func ErrNotFound(message string) *AppError {
	if message == "" {
		message = "resource not found"
	}
	return NewAppError(http.StatusNotFound, CodeNotFound, message, nil)
}

// ErrStateConflict creates a 409 state conflict error
func ErrStateConflict(message string) *AppError {
	if message == "" {
		message = "current state does not allow operation"
	}
	return NewAppError(http.StatusConflict, CodeStateConflict, message, nil)
}

// ErrInternalError creates a 500 internal error
func ErrInternalError(message string, err error) *AppError {
	if message == "" {
		message = "internal error"
	}
	return NewAppError(http.StatusInternalServerError, CodeInternalError, message, err)
}

// LimitData is the data attached to a limit exceeded response
type LimitData struct {
	CurrentCount int `json:"currentCount"`
	Limit        int `json:"limit"`
}

// FieldData names the offending input field
type FieldData struct {
	Field string `json:"field"`
}

// FromError maps the certerr taxonomy onto an AppError. Anything it does not
// recognise becomes a 500 whose cause is only logged.
func FromError(err error) *AppError {
	var (
		appErr      *AppError
		validation  *certerr.ValidationError
		limit       *certerr.LimitExceededError
		state       *certerr.InvalidStateError
		notFound    *certerr.NotFoundError
		request     *certerr.ProviderRequestError
		unavailable *certerr.ProviderUnavailableError
		noProvider  *certerr.NoProviderAvailableError
		timeout     *certerr.TimeoutError
	)

	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &validation):
		e := NewAppError(http.StatusBadRequest, CodeParamInvalid, validation.Error(), nil)
		if validation.Field != "" {
			e.WithData(FieldData{Field: validation.Field})
		}
		return e
	case errors.As(err, &limit):
		return NewAppError(http.StatusConflict, CodeLimitExceeded, limit.Error(), nil).
			WithData(LimitData{CurrentCount: limit.CurrentCount, Limit: limit.Limit})
	case errors.As(err, &state):
		return NewAppError(http.StatusConflict, CodeStateConflict, state.Error(), nil)
	case errors.As(err, &notFound):
		return NewAppError(http.StatusNotFound, CodeNotFound, notFound.Error(), nil)
	case errors.As(err, &request):
		return NewAppError(http.StatusUnprocessableEntity, CodeProviderRejected, request.Error(), nil)
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return NewAppError(http.StatusGatewayTimeout, CodeTimeout, "operation timed out", err)
	case errors.As(err, &unavailable):
		return NewAppError(http.StatusServiceUnavailable, CodeProviderUnavailable, unavailable.Error(), nil)
	case errors.As(err, &noProvider):
		return NewAppError(http.StatusServiceUnavailable, CodeProviderUnavailable, noProvider.Error(), nil)
	default:
		return ErrInternalError("", err)
	}
}
