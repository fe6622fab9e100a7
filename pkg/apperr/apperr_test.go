package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code Code
	}{
		{"validation", &ValidationError{Reason: "bad"}, CodeValidation},
		{"wrapped validation", fmt.Errorf("create: %w", &ValidationError{Reason: "bad"}), CodeValidation},
		{"not found", NotFound("message", 7), CodeNotFound},
		{"permission", Forbidden("not a participant"), CodePermission},
		{"unauthenticated", fmt.Errorf("ws: %w", ErrUnauthenticated), CodeUnauthenticated},
		{"rate limited", &RateLimitError{Policy: "message.send", RetryAfter: time.Second}, CodeRateLimited},
		{"retryable", Retryable("send", errors.New("conn reset")), CodeRetryable},
		{"deadline", context.DeadlineExceeded, CodeRetryable},
		{"protocol", Protocol("unknown type %q", "x"), CodeProtocol},
		{"other", errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.code, CodeOf(tc.err))
		})
	}
}

func TestRetryable_DoesNotDoubleWrap(t *testing.T) {
	req := require.New(t)
	first := Retryable("send", errors.New("conn reset"))
	second := Retryable("outer", first)
	req.Same(first, second)
}

func TestToPublic_HidesInternalDetails(t *testing.T) {
	req := require.New(t)
	p := ToPublic(errors.New("pq: relation messages does not exist"))
	req.Equal(CodeInternal, p.Code)
	req.NotContains(p.Message, "messages")

	p = ToPublic(Retryable("send", errors.New("dial tcp 10.0.0.3:5432")))
	req.Equal(CodeRetryable, p.Code)
	req.NotContains(p.Message, "10.0.0.3")
}

func TestToPublic_Validation(t *testing.T) {
	req := require.New(t)
	p := ToPublic(&ValidationError{Reason: "unknown or inactive users", InvalidIDs: []string{"a", "b"}})
	req.Equal(CodeValidation, p.Code)
	req.Equal([]string{"a", "b"}, p.InvalidIDs)
	req.Equal(http.StatusBadRequest, HTTPStatus(p.Code))
}

func TestRateLimitError_RetryAfterRoundsUp(t *testing.T) {
	req := require.New(t)
	req.Equal(1, (&RateLimitError{RetryAfter: 10 * time.Millisecond}).RetryAfterSeconds())
	req.Equal(2, (&RateLimitError{RetryAfter: 1500 * time.Millisecond}).RetryAfterSeconds())
	req.Equal(1, (&RateLimitError{}).RetryAfterSeconds())
}
