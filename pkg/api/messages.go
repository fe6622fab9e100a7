package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/samber/lo"
)

type sendMessageRequest struct {
	Body                 string `json:"body"`
	ReplyToMessageID     *int64 `json:"replyToMessageId,omitempty" validate:"omitempty,gt=0"`
	ForwardFromMessageID *int64 `json:"forwardFromMessageId,omitempty" validate:"omitempty,gt=0"`
}

type editMessageRequest struct {
	Body string `json:"body" validate:"required"`
}

type markReadRequest struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

type messagePageResponse struct {
	Messages   []protocol.MessagePayload `json:"messages"`
	NextBefore string                    `json:"nextBefore,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body sendMessageRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.svc.SendMessage(r.Context(), actor(r), chat.SendMessageInput{
		ConversationID:       id,
		Body:                 body.Body,
		ReplyToMessageID:     body.ReplyToMessageID,
		ForwardFromMessageID: body.ForwardFromMessageID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.MessageToWire(msg))
}

// sendDirectMessage finds or creates the DIRECT conversation with userId and
// appends one message to it.
func (s *Server) sendDirectMessage(w http.ResponseWriter, r *http.Request) {
	recipient, err := pathUUID(r, "userId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body sendMessageRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.svc.SendDirectMessage(r.Context(), actor(r), recipient, chat.SendMessageInput{
		Body:                 body.Body,
		ReplyToMessageID:     body.ReplyToMessageID,
		ForwardFromMessageID: body.ForwardFromMessageID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.MessageToWire(msg))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := s.svc.ListMessages(r.Context(), actor(r), chat.ListMessagesInput{
		ConversationID: id,
		Before:         q.Get("before"),
		Limit:          limit,
		IncludeDeleted: q.Get("includeDeleted") == "true",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagePageResponse{
		Messages:   lo.Map(page.Messages, func(m model.Message, _ int) protocol.MessagePayload { return protocol.MessageToWire(m) }),
		NextBefore: page.NextBefore,
	})
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body editMessageRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.svc.EditMessage(r.Context(), actor(r), id, body.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageToWire(msg))
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.svc.DeleteMessage(r.Context(), actor(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageToWire(msg))
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reaction, err := s.svc.AddReaction(r.Context(), actor(r), id, mux.Vars(r)["emoji"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ReactionToWire(reaction, true))
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.RemoveReaction(r.Context(), actor(r), id, mux.Vars(r)["emoji"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body markReadRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.svc.MarkRead(r.Context(), actor(r), id, body.MessageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ReadReceiptToWire(receipt))
}
