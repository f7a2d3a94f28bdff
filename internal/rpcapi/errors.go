package rpcapi

import (
	"errors"
	"net/http"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/store"
)

// ErrUnavailable is wrapped into client-side errors produced by transport
// failures (connection refused, TLS handshake failure, timeout), so
// callers can retry exactly as spec.md §4.1 requires for store.ErrUnavailable.
var ErrUnavailable = errors.New("rpcapi: service unavailable")

// classify maps a handler error to an HTTP status code.
func classify(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrConstraint):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
