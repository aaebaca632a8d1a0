package errors

import (
	"fmt"
)

// retryableStatus reports whether an HTTP status from an external service
// is worth retrying. 4xx responses won't improve without different input or
// credentials; 429 and server-side failures can.
func retryableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == 429 || statusCode == 408
}

// NewFetchError classifies a failed attachment download. A zero status code
// means the request never completed (network error, timeout) and is treated
// as transient.
func NewFetchError(url string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeFetchFailed, "attachment fetch failed").
		WithContext("url", url)
	if statusCode != 0 {
		appErr = appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = statusCode == 0 || retryableStatus(statusCode)
	return appErr
}

// NewTelegramAPIError classifies a failed Telegram Bot API call.
func NewTelegramAPIError(method string, statusCode int, description string) *AppError {
	appErr := New(ErrCodeTelegramAPI, fmt.Sprintf("telegram %s failed: %s", method, description)).
		WithContext("method", method).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryableStatus(statusCode)
	return appErr
}

// NewMaxAPIError classifies a failed MAX platform call.
func NewMaxAPIError(op string, err error, retryable bool) *AppError {
	appErr := Wrap(err, ErrCodeMaxAPI, fmt.Sprintf("max %s failed", op)).
		WithContext("op", op)
	appErr.Retryable = retryable
	return appErr
}

// NewPersistenceError wraps a failed offset store write. These are never
// retryable: the pipeline must stop rather than risk silent progress loss.
func NewPersistenceError(op string, err error) *AppError {
	return Wrap(err, ErrCodePersistenceFailed, fmt.Sprintf("state %s failed", op)).
		WithContext("operation", op)
}

// NewConnectionLostError marks a dropped source platform connection.
func NewConnectionLostError(err error) *AppError {
	return WrapRetryable(err, ErrCodeConnectionLost, "source connection lost")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}
