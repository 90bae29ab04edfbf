package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestCodeMappings(t *testing.T) {
	cases := []struct {
		code     Code
		grpcCode codes.Code
		status   int
	}{
		{CodeValidation, codes.InvalidArgument, http.StatusBadRequest},
		{CodeStaleDecision, codes.FailedPrecondition, http.StatusConflict},
		{CodeNotFound, codes.NotFound, http.StatusNotFound},
		{CodeConcurrencyConflict, codes.Aborted, http.StatusConflict},
		{CodeDecisionGrantExpired, codes.Unauthenticated, http.StatusUnauthorized},
		{CodeRateLimited, codes.ResourceExhausted, http.StatusTooManyRequests},
		{CodeServiceUnavailable, codes.Unavailable, http.StatusServiceUnavailable},
		{CodeUnknown, codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.GRPCCode(); got != tc.grpcCode {
			t.Fatalf("%s grpc code = %v, want %v", tc.code, got, tc.grpcCode)
		}
		if got := tc.code.HTTPStatus(); got != tc.status {
			t.Fatalf("%s http status = %d, want %d", tc.code, got, tc.status)
		}
	}
}

func TestCodeOfWrappedError(t *testing.T) {
	cause := stderrors.New("disk full")
	err := fmt.Errorf("route request: %w", Wrap(CodeConcurrencyConflict, "request changed", cause))

	if got := CodeOf(err); got != CodeConcurrencyConflict {
		t.Fatalf("code = %s, want %s", got, CodeConcurrencyConflict)
	}
	if !HasCode(err, CodeConcurrencyConflict) {
		t.Fatal("expected HasCode to match wrapped code")
	}
	if HasCode(err, CodeStaleDecision) {
		t.Fatal("expected HasCode to reject other codes")
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause to stay reachable")
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("plain error code = %s, want %s", got, CodeUnknown)
	}
}
