package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Broker error codes that matter to order sequencing. Codes follow the
// Binance futures convention (negative integers in the response body).
const (
	CodeUnknownOrder      = -2011 // Cancel of an order that no longer exists
	CodeOrderWouldTrigger = -2021 // Stop would trigger immediately
	CodeReduceOnlyReject  = -2022 // ReduceOnly rejected, shares locked elsewhere
	CodeWashTrade         = -4015 // Conflicting/overlapping exit orders
	CodePositionNotFound  = -4046
	CodeRateLimit         = -1003
	CodeDisconnected      = -1001
	CodeServiceShutdown   = -1016
)

// APIError represents a structured error response from the broker
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// IsConflict reports whether the error is a conflict-class rejection:
// overlapping exit orders, locked shares, or a wash-trade style refusal.
// These are never blindly retried; the caller must re-fetch fresh state
// and resolve the conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeWashTrade, CodeReduceOnlyReject, CodeOrderWouldTrigger:
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "wash trade")
}

// IsRetryable reports whether the error is transient: network trouble,
// rate limiting, or broker-side 5xx responses.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus >= 500 {
			return true
		}
		switch apiErr.Code {
		case CodeRateLimit, CodeDisconnected, CodeServiceShutdown:
			return true
		}
		return false
	}
	// Plain transport errors (connection refused, timeouts) are retryable.
	return err != nil
}

// IsUnknownOrder reports whether a cancel failed because the order is already
// gone. Callers treat this as a successful cancellation.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeUnknownOrder
}
