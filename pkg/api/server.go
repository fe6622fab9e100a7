// Package api is the HTTP surface of the conversation service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/samber/lo"
)

type Sessions interface {
	Require(ctx context.Context, token string) (auth.Session, error)
}

// Users registers directory entries for the development login.
type Users interface {
	UpsertUser(ctx context.Context, id uuid.UUID, displayName string, active bool) error
}

// Health is implemented by stores that can report on their pool.
type Health interface {
	Ping(ctx context.Context) error
	Stats() store.PoolStats
}

type Options struct {
	AllowDevLogin  bool
	AllowedOrigins []string
}

type Server struct {
	svc      *chat.Service
	sessions Sessions
	tokens   *auth.Tokens
	users    Users
	online   presence.Online
	health   Health
	opts     Options
	log      *slog.Logger
}

// NewServer wires the HTTP handlers. health may be nil for the in-memory
// store.
func NewServer(svc *chat.Service, sessions Sessions, tokens *auth.Tokens, users Users, online presence.Online, health Health, opts Options, log *slog.Logger) *Server {
	return &Server{
		svc:      svc,
		sessions: sessions,
		tokens:   tokens,
		users:    users,
		online:   online,
		health:   health,
		opts:     opts,
		log:      log,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.logRequests, s.cors)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/health", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", s.createSession).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)

	v1.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	v1.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}", s.renameConversation).Methods(http.MethodPatch)
	v1.HandleFunc("/conversations/{id}/leave", s.leaveConversation).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/participants", s.addParticipants).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/read", s.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/presence", s.conversationPresence).Methods(http.MethodGet)
	v1.HandleFunc("/direct/{userId}/messages", s.sendDirectMessage).Methods(http.MethodPost)

	v1.HandleFunc("/messages/{id}", s.editMessage).Methods(http.MethodPatch)
	v1.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/messages/{id}/reactions/{emoji}", s.addReaction).Methods(http.MethodPut)
	v1.HandleFunc("/messages/{id}/reactions/{emoji}", s.removeReaction).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, apperr.Public{Code: apperr.CodeNotFound, Message: "no such route"})
	})
	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.opts.AllowedOrigins) == 0, lo.Contains(s.opts.AllowedOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case lo.Contains(s.opts.AllowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token and requires an active user on
// every call.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Require(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if strings.HasPrefix(r.URL.Path, "/metrics") || r.URL.Path == "/health" {
			return
		}
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("panic in handler", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, apperr.Public{Code: apperr.CodeInternal, Message: "something went wrong, please try again"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "err", err)
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		body["pool"] = s.health.Stats()
	}
	writeJSON(w, status, body)
}
