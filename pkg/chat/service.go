// Package chat is the conversation service: conversations, participants,
// messages, reactions and read positions. Every mutation is admitted, then
// validated, then applied in one store transaction, and only after commit
// handed to the Notifier for fanout.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/admission"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/samber/lo"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	maxTitleLength  = 200
	maxEmojiBytes   = 32
)

type Options struct {
	// OpTimeout bounds every call, including validation.
	OpTimeout     time.Duration
	MaxBodyLength int
	MaxGroupSize  int
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 300 * time.Millisecond
	}
	if o.MaxBodyLength <= 0 {
		o.MaxBodyLength = 4000
	}
	if o.MaxGroupSize <= 0 {
		o.MaxGroupSize = 256
	}
	return o
}

type Service struct {
	store     store.Store
	directory auth.Directory
	limiter   admission.Limiter
	notifier  *Notifier
	opts      Options
	log       *slog.Logger
}

func NewService(st store.Store, directory auth.Directory, limiter admission.Limiter, notifier *Notifier, opts Options, log *slog.Logger) *Service {
	return &Service{
		store:     st,
		directory: directory,
		limiter:   limiter,
		notifier:  notifier,
		opts:      opts.withDefaults(),
		log:       log,
	}
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// done maps a deadline that fired outside the store to a retryable error.
func done(op string, err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return apperr.Retryable(op, err)
	}
	return err
}

// admit consults admission control before anything touches storage. A
// limiter that cannot answer does not block traffic.
func (s *Service) admit(ctx context.Context, policy admission.Policy, actor model.Actor) error {
	d, err := s.limiter.Allow(ctx, policy, actor.UserID.String())
	if err != nil {
		s.log.Warn("admission check failed, allowing", "policy", policy, "user_id", actor.UserID, "err", err)
		return nil
	}
	if !d.Allowed {
		metrics.AdmissionRejected.WithLabelValues(string(policy)).Inc()
		return &apperr.RateLimitError{Policy: string(policy), RetryAfter: d.RetryAfter}
	}
	return nil
}

// validateUsers checks every id in one directory call and reports exactly
// the ones that are unknown or inactive.
func (s *Service) validateUsers(ctx context.Context, ids []uuid.UUID) error {
	active, err := s.directory.UsersExistAndActive(ctx, ids)
	if err != nil {
		return apperr.Retryable("validate participants", err)
	}
	invalid := lo.Without(ids, active...)
	if len(invalid) == 0 {
		return nil
	}
	bad := lo.Map(invalid, func(id uuid.UUID, _ int) string { return id.String() })
	slices.Sort(bad)
	return &apperr.ValidationError{Reason: "unknown or inactive participants", InvalidIDs: bad}
}

func (s *Service) validateBody(body string, allowEmpty bool) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" && !allowEmpty {
		return "", apperr.Invalid("message body is required")
	}
	if !utf8.ValidString(body) {
		return "", apperr.Invalid("message body is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); n > s.opts.MaxBodyLength {
		return "", apperr.Invalid("message body is %d characters, limit is %d", n, s.opts.MaxBodyLength)
	}
	return body, nil
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", apperr.Invalid("title exceeds %d characters", maxTitleLength)
	}
	return title, nil
}

// requireActive returns the caller's participant row or a PermissionError.
func requireActive(ctx context.Context, tx store.Tx, conversationID, userID uuid.UUID) (model.Participant, error) {
	p, err := tx.GetParticipant(ctx, conversationID, userID)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) || (err == nil && !p.Active()) {
		return model.Participant{}, apperr.Forbidden("not a participant of this conversation")
	}
	return p, err
}

// requireMember is requireActive relaxed to former participants, and
// waived for moderators. Used for reads of history.
func requireMember(ctx context.Context, tx store.Tx, conversationID uuid.UUID, actor model.Actor) error {
	if actor.Moderator {
		return nil
	}
	_, err := tx.GetParticipant(ctx, conversationID, actor.UserID)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		return apperr.Forbidden("not a participant of this conversation")
	}
	return err
}

func isNotFound(err error) bool {
	var nf *apperr.NotFoundError
	return errors.As(err, &nf)
}

func activeUserIDs(ctx context.Context, tx store.Tx, conversationID uuid.UUID) ([]uuid.UUID, error) {
	ps, err := tx.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	return lo.Map(ps, func(p model.Participant, _ int) uuid.UUID { return p.UserID }), nil
}

// Authorize reports whether userID may join the conversation's real-time
// room.
func (s *Service) Authorize(ctx context.Context, userID, conversationID uuid.UUID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.store.View(ctx, "authorize", func(tx store.Tx) error {
		if _, err := tx.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		_, err := requireActive(ctx, tx, conversationID, userID)
		return err
	})
	return done("authorize", err)
}
