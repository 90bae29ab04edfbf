// Package errors provides structured, code-carrying errors for the dispatch
// service.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeValidation Code = "VALIDATION_FAILED"

	// Request lifecycle errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeStaleDecision       Code = "STALE_DECISION"
	CodeRequestTerminal     Code = "REQUEST_TERMINAL"
	CodeNoEligibleCandidate Code = "NO_ELIGIBLE_CANDIDATES"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"

	// Decision grant errors
	CodeDecisionGrantInvalid Code = "DECISION_GRANT_INVALID"
	CodeDecisionGrantExpired Code = "DECISION_GRANT_EXPIRED"

	// Notification delivery errors
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeValidation:
		return codes.InvalidArgument
	case CodeStaleDecision, CodeRequestTerminal, CodeNoEligibleCandidate:
		return codes.FailedPrecondition
	case CodeNotFound:
		return codes.NotFound
	case CodeConcurrencyConflict:
		return codes.Aborted
	case CodeDecisionGrantInvalid, CodeDecisionGrantExpired:
		return codes.Unauthenticated
	case CodeRateLimited:
		return codes.ResourceExhausted
	case CodeServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes through their gRPC class.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
