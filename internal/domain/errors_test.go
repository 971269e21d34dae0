package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeUnknown},
		{ErrTransient, CodeTransient},
		{fmt.Errorf("wrap: %w", ErrQuotaExceeded), CodeQuotaExceeded},
		{NewDomainError("telephony.Transfer", ErrTimeout, "deadline"), CodeTimeout},
		{NewSubSystemError("stt", "dial", ErrUnauthorized, "bad token"), CodeUnauthorized},
		{ErrCallNotFound, CodeCallNotFound},
		{fmt.Errorf("op: %w", ErrSTTUnavailable), CodeSTTUnavailable},
		{errors.New("mystery"), CodeUnknown},
	}
	for _, tc := range cases {
		if got := ErrorCodeOf(tc.err); got != tc.want {
			t.Errorf("ErrorCodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("media.Send", ErrTransient, "broken pipe")
	if !errors.Is(err, ErrTransient) {
		t.Fatal("DomainError must unwrap to its sentinel")
	}
	if !IsRetryableError(err) {
		t.Fatal("transient errors are retryable")
	}
	if IsRetryableError(NewDomainError("llm.Chat", ErrProviderRejected, "bad model")) {
		t.Fatal("provider rejections are not retryable")
	}
}

func TestWrapOp(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Fatal("WrapOp(nil) must be nil")
	}
	err := WrapOp("stt.Connect", ErrTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("wrapped error must match sentinel")
	}
}
