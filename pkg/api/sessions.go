package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/auth"
)

// Development login. Production deployments get sessions from the identity
// service and leave AllowDevLogin off.

type sessionRequest struct {
	UserID      string `json:"userId" validate:"required,uuid"`
	DisplayName string `json:"displayName" validate:"max=100"`
	Moderator   bool   `json:"moderator,omitempty"`
}

type sessionResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if !s.opts.AllowDevLogin {
		writeJSON(w, http.StatusNotFound, apperr.Public{Code: apperr.CodeNotFound, Message: "no such route"})
		return
	}
	var body sessionRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := uuid.MustParse(body.UserID)
	if err := s.users.UpsertUser(r.Context(), id, body.DisplayName, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	var roles []string
	if body.Moderator {
		roles = append(roles, auth.RoleModerator)
	}
	token, err := s.tokens.Issue(id, roles...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("dev session issued", "user_id", id, "moderator", body.Moderator)
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, UserID: id.String()})
}
