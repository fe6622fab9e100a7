package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/samber/lo"
)

type createConversationRequest struct {
	Type           model.ConversationType `json:"type" validate:"required,oneof=DIRECT GROUP POST_LINKED"`
	ParticipantIDs []string               `json:"participantIds" validate:"required,min=1,dive,uuid"`
	PostingID      *string                `json:"postingId,omitempty"`
	Title          string                 `json:"title,omitempty" validate:"max=200"`
}

type renameRequest struct {
	Title string `json:"title" validate:"max=200"`
}

type addParticipantsRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,uuid"`
}

type detailResponse struct {
	protocol.ConversationPayload
	Participants []protocol.ParticipantPayload `json:"participants"`
}

type conversationPageResponse struct {
	Conversations []protocol.SummaryPayload `json:"conversations"`
	NextCursor    string                    `json:"nextCursor,omitempty"`
}

type presenceResponse struct {
	ConversationID string   `json:"conversationId"`
	Online         []string `json:"online"`
}

func detailToWire(d model.ConversationDetail) detailResponse {
	return detailResponse{
		ConversationPayload: protocol.ConversationToWire(d.Conversation),
		Participants:        lo.Map(d.Participants, func(p model.Participant, _ int) protocol.ParticipantPayload { return protocol.ParticipantToWire(p) }),
	}
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body createConversationRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, created, err := s.svc.CreateConversation(r.Context(), actor(r), chat.CreateConversationInput{
		Type:           body.Type,
		ParticipantIDs: parseUUIDs(body.ParticipantIDs),
		PostingID:      body.PostingID,
		Title:          body.Title,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, detailToWire(detail))
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.svc.ListConversations(r.Context(), actor(r), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationPageResponse{
		Conversations: lo.Map(page.Conversations, func(c model.ConversationSummary, _ int) protocol.SummaryPayload { return protocol.SummaryToWire(c) }),
		NextCursor:    page.NextCursor,
	})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.svc.GetConversation(r.Context(), actor(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailToWire(detail))
}

func (s *Server) renameConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body renameRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.svc.RenameConversation(r.Context(), actor(r), id, body.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConversationToWire(conv))
}

func (s *Server) leaveConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.LeaveConversation(r.Context(), actor(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addParticipants(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body addParticipantsRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.svc.AddParticipants(r.Context(), actor(r), id, parseUUIDs(body.UserIDs))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailToWire(detail))
}

// conversationPresence lists the active participants that currently hold at
// least one gateway connection.
func (s *Server) conversationPresence(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.svc.GetConversation(r.Context(), actor(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active := lo.FilterMap(detail.Participants, func(p model.Participant, _ int) (uuid.UUID, bool) {
		return p.UserID, p.Active()
	})
	online, err := s.online.Filter(r.Context(), active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{
		ConversationID: id.String(),
		Online:         lo.Map(online, func(u uuid.UUID, _ int) string { return u.String() }),
	})
}
