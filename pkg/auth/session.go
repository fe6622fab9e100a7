//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../../mocks/mock_directory.go -package=mocks

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/samber/lo"
)

// Directory is the user directory consulted for the active flag.
type Directory interface {
	UsersExistAndActive(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

type Session struct {
	UserID    uuid.UUID
	Active    bool
	Moderator bool
}

func (s Session) Actor() model.Actor {
	return model.Actor{UserID: s.UserID, Moderator: s.Moderator}
}

// SessionValidator resolves a session credential to a user. The active flag
// is looked up on every call and never cached.
type SessionValidator struct {
	tokens    *Tokens
	directory Directory
}

func NewSessionValidator(tokens *Tokens, directory Directory) *SessionValidator {
	return &SessionValidator{tokens: tokens, directory: directory}
}

func (v *SessionValidator) ValidateSession(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, apperr.ErrUnauthenticated
	}
	claims, err := v.tokens.Parse(token)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}
	userID, err := claims.Subject()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}
	active, err := v.directory.UsersExistAndActive(ctx, []uuid.UUID{userID})
	if err != nil {
		return Session{}, apperr.Retryable("validate session", err)
	}
	return Session{
		UserID:    userID,
		Active:    lo.Contains(active, userID),
		Moderator: claims.HasRole(RoleModerator),
	}, nil
}

// Require is ValidateSession plus the active check every mutating call needs.
func (v *SessionValidator) Require(ctx context.Context, token string) (Session, error) {
	s, err := v.ValidateSession(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if !s.Active {
		return Session{}, apperr.Forbidden("user is not active")
	}
	return s, nil
}

// TokenFromRequest reads "Authorization: Bearer <t>" and falls back to the
// token query parameter, which browsers need for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if token == "" {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

type contextKey string

const sessionKey contextKey = "session"

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}
