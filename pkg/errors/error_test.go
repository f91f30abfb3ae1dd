package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "egressfleet/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{AlreadyExists, "Instance already exists"},
		{InvalidParams, "Invalid parameters"},
		{TeardownPartialFailure, "Teardown partially failed"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{InstanceNotFound, 404},
		{AlreadyExists, 409},
		{InvalidTransition, 409},
		{ProxyUnreachable, 502},
		{RuntimeUnavailable, 503},
		{EndpointInUse, 409},
		{InsufficientResources, 503},
		{ProvisioningFailed, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, RuntimeUnavailable)

	if wrappedErr.Code != RuntimeUnavailable {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, RuntimeUnavailable)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, RuntimeUnavailable) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsFollowsChain(t *testing.T) {
	inner := New(AlreadyExists)
	outer := fmt.Errorf("reserve: %w", inner)
	if !Is(outer, AlreadyExists) {
		t.Fatalf("expected Is to find code through fmt wrapping")
	}
	if GetCode(outer) != AlreadyExists {
		t.Fatalf("unexpected code: %v", GetCode(outer))
	}
}

func TestHasCodeSearchesAggregate(t *testing.T) {
	agg := Join(
		New(RuntimeUnavailable),
		nil,
		Wrapf(errors.New("busy"), TeardownPartialFailure, "delete link"),
	)
	if len(Errors(agg)) != 2 {
		t.Fatalf("expected 2 aggregated errors, got %d", len(Errors(agg)))
	}
	composite := Wrapf(agg, ProvisioningFailed, "provision step sandbox")
	if !HasCode(composite, ProvisioningFailed) {
		t.Fatalf("expected outer code")
	}
	if !HasCode(composite, TeardownPartialFailure) {
		t.Fatalf("expected aggregated member code")
	}
	if HasCode(composite, NamespaceCollision) {
		t.Fatalf("unexpected code match")
	}
	if Join(nil, nil) != nil {
		t.Fatalf("expected nil aggregate")
	}
}

func TestError_WithDetail(t *testing.T) {
	err := New(ValidationFailed).
		WithDetail("field", "endpoint").
		WithDetail("reason", "invalid port")

	if err.Details["field"] != "endpoint" {
		t.Error("Field detail not set correctly")
	}
	if err.Details["reason"] != "invalid port" {
		t.Error("Reason detail not set correctly")
	}
}

func TestGetError(t *testing.T) {
	plain := errors.New("boom")
	got := GetError(plain)
	if got.Code != InternalServerError {
		t.Fatalf("unexpected code: %v", got.Code)
	}
	if GetError(nil) != nil {
		t.Fatalf("expected nil")
	}
	custom := InstanceNotFoundError("w-1")
	if GetError(custom) != custom {
		t.Fatalf("expected same custom error")
	}
}
