package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

var (
	// ErrOrderNotFound is returned when the broker has no record of an order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrRateLimited is returned when the broker throttles a request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable is returned when the broker or a quote is temporarily unavailable.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrQuoteStale is returned when the freshest quote is older than the allowed age.
	ErrQuoteStale = errors.New("quote stale")
	// ErrInstrumentNotFound is returned when no tradable contract matches a lookup.
	ErrInstrumentNotFound = errors.New("instrument not found")
)

// RejectedError is returned when the broker refuses an order.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// IsRejected reports whether err is a broker rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if IsRejected(err) || errors.Is(err, ErrOrderNotFound) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"too many requests",
		"429",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
