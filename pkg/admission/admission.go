//go:generate go run go.uber.org/mock/mockgen -source=admission.go -destination=../../mocks/mock_admission.go -package=mocks

// Package admission gates mutating operations behind a rate policy. The
// chat core depends only on Limiter; Local and Redis are the two adapters.
package admission

import (
	"context"
	"time"
)

type Policy string

const (
	PolicyCreateConversation Policy = "conversation.create"
	PolicySendMessage        Policy = "message.send"
	PolicyEditMessage        Policy = "message.edit"
	PolicyReaction           Policy = "message.react"
	PolicyReadMark           Policy = "read.mark"
	PolicyMembership         Policy = "conversation.membership"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, policy Policy, identifier string) (Decision, error)
}

// Limit is a sustained rate with a burst allowance.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Limits resolves the limit for a policy, falling back to Default.
type Limits struct {
	Default   Limit
	Overrides map[Policy]Limit
}

func (l Limits) For(p Policy) Limit {
	if o, ok := l.Overrides[p]; ok {
		return o
	}
	return l.Default
}

// DefaultLimits keeps conversation creation tighter than message traffic.
func DefaultLimits(rps float64, burst int) Limits {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return Limits{
		Default: Limit{PerSecond: rps, Burst: burst},
		Overrides: map[Policy]Limit{
			PolicyCreateConversation: {PerSecond: rps / 5, Burst: max(1, burst/2)},
			PolicyReadMark:           {PerSecond: rps * 4, Burst: burst * 4},
		},
	}
}

// AllowAll never rejects. Used where admission is intentionally disabled.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, Policy, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
