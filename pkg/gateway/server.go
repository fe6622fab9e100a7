// Package gateway keeps long-lived WebSocket connections, routes committed
// events to them and turns client commands into service calls.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/samber/lo"
)

// Conversations is the part of the conversation service the gateway calls.
type Conversations interface {
	Authorize(ctx context.Context, userID, conversationID uuid.UUID) error
	MarkRead(ctx context.Context, actor model.Actor, conversationID uuid.UUID, messageID int64) (model.ReadReceipt, error)
}

type Sessions interface {
	ValidateSession(ctx context.Context, token string) (auth.Session, error)
}

type Typing interface {
	Start(conversationID, userID uuid.UUID) bool
	Stop(conversationID, userID uuid.UUID) bool
	ClearUser(userID uuid.UUID) int
}

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	// AllowedOrigins of browser upgrades; "*" or empty allows any.
	AllowedOrigins []string
	// CommandTimeout bounds each inbound command and the presence updates
	// on connect and disconnect.
	CommandTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	return o
}

type Server struct {
	hub      *Hub
	sessions Sessions
	convs    Conversations
	typing   Typing
	online   presence.Online
	ids      *snowflake.Node
	upgrader websocket.Upgrader
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewServer(hub *Hub, sessions Sessions, convs Conversations, typing Typing, online presence.Online, ids *snowflake.Node, opts Options, log *slog.Logger) *Server {
	opts = opts.withDefaults()
	s := &Server{
		hub:      hub,
		sessions: sessions,
		convs:    convs,
		typing:   typing,
		online:   online,
		ids:      ids,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 || lo.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(s.opts.AllowedOrigins, origin)
}

// ServeWS authenticates the upgrade request, then runs the connection until
// it closes. The session is checked once here and again for every
// mutating command.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	sess, err := s.sessions.ValidateSession(r.Context(), token)
	if err == nil && !sess.Active {
		err = apperr.Forbidden("user is not active")
	}
	if err != nil {
		code := apperr.CodeOf(err)
		s.log.Info("websocket upgrade refused", "code", code, "err", err)
		http.Error(w, string(code), apperr.HTTPStatus(code))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "user_id", sess.UserID, "err", err)
		return
	}

	c := newClient(s.ids.Generate(), sess.UserID, token, conn, s.opts.SendBuffer, s.log)
	s.connect(c)

	// The request context ends with the handler; the connection outlives it.
	ctx := context.WithoutCancel(r.Context())
	go c.writePump()
	go func() {
		c.readPump(ctx, s.opts.MaxMessageSize, s.handle)
		s.disconnect(c)
	}()
}

func (s *Server) connect(c *Client) {
	s.hub.Register(c)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()
	if _, err := s.online.Connect(ctx, c.UserID); err != nil {
		s.log.Warn("failed to record presence", "user_id", c.UserID, "err", err)
	}
	c.log.Info("client connected")
}

// disconnect runs exactly once per connection, after its read loop ends.
func (s *Server) disconnect(c *Client) {
	c.Close()
	rooms := s.hub.JoinedRooms(c)
	if s.hub.Unregister(c) {
		if n := s.typing.ClearUser(c.UserID); n > 0 {
			c.log.Debug("cleared typing indicators", "count", n)
		}
	} else {
		for _, conv := range rooms {
			if !s.hub.UserJoined(c.UserID, conv) {
				s.typing.Stop(conv, c.UserID)
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()
	if _, err := s.online.Disconnect(ctx, c.UserID); err != nil {
		s.log.Warn("failed to clear presence", "user_id", c.UserID, "err", err)
	}
	c.log.Info("client disconnected")
}

// handle applies one inbound frame. Command failures are reported to the
// client; only a malformed frame closes the connection.
func (s *Server) handle(ctx context.Context, c *Client, raw []byte) {
	cmd, ref, err := protocol.ParseCommand(raw)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		c.log.Info("protocol error, closing connection", "err", err)
		s.reply(c, func() ([]byte, error) { return protocol.ErrorFrame(ref, err, s.now()) })
		c.closeWith(websocket.CloseProtocolError, "protocol error")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	if err := s.dispatch(ctx, c, cmd); err != nil {
		var pe *apperr.ProtocolError
		if errors.As(err, &pe) {
			metrics.ProtocolErrors.Inc()
			s.reply(c, func() ([]byte, error) { return protocol.ErrorFrame(ref, err, s.now()) })
			c.closeWith(websocket.CloseProtocolError, "protocol error")
			return
		}
		if apperr.CodeOf(err) == apperr.CodeInternal {
			c.log.Error("command failed", "type", cmd.Kind(), "err", err)
		}
		s.reply(c, func() ([]byte, error) { return protocol.ErrorFrame(ref, err, s.now()) })
		return
	}
	s.reply(c, func() ([]byte, error) { return protocol.AckFrame(cmd, ref, s.now()) })
}

func (s *Server) dispatch(ctx context.Context, c *Client, cmd protocol.Command) error {
	conv := cmd.Conversation()
	switch cmd := cmd.(type) {
	case protocol.Join:
		if err := s.convs.Authorize(ctx, c.UserID, conv); err != nil {
			return err
		}
		if !s.hub.Join(c, conv) {
			return apperr.Protocol("connection is closing")
		}
		return nil
	case protocol.Leave:
		s.hub.Leave(c, conv)
		if !s.hub.UserJoined(c.UserID, conv) {
			s.typing.Stop(conv, c.UserID)
		}
		return nil
	case protocol.TypingStart:
		if !s.hub.Joined(c, conv) {
			return apperr.Forbidden("join the conversation first")
		}
		// Membership may have ended since the join.
		if err := s.convs.Authorize(ctx, c.UserID, conv); err != nil {
			if apperr.CodeOf(err) == apperr.CodePermission {
				s.evict(c.UserID, conv)
			}
			return err
		}
		s.typing.Start(conv, c.UserID)
		return nil
	case protocol.TypingStop:
		s.typing.Stop(conv, c.UserID)
		return nil
	case protocol.ReadMark:
		sess, err := s.sessions.ValidateSession(ctx, c.token)
		if err != nil {
			return err
		}
		if !sess.Active {
			return apperr.Forbidden("user is not active")
		}
		_, err = s.convs.MarkRead(ctx, sess.Actor(), conv, cmd.MessageID)
		return err
	}
	return apperr.Protocol("unsupported command %q", cmd.Kind())
}

func (s *Server) reply(c *Client, build func() ([]byte, error)) {
	frame, err := build()
	if err != nil {
		c.log.Error("failed to encode reply", "err", err)
		return
	}
	if c.enqueue(frame) == bufferFull {
		metrics.SlowConsumers.Inc()
		c.Close()
	}
}

// Consume delivers events from the bus to local connections until ctx is
// done.
func (s *Server) Consume(ctx context.Context, sub bus.Subscriber) error {
	return sub.Subscribe(ctx, func(_ context.Context, env protocol.Envelope) {
		if env.Type == protocol.EventParticipantLeft {
			ev, err := env.Decode()
			if err != nil {
				s.log.Error("failed to decode membership event", "event_id", env.ID, "err", err)
			} else {
				s.evict(ev.(protocol.ParticipantLeft).UserID, env.ConversationID)
			}
		}
		s.hub.Deliver(env)
	})
}

// evict drops every local connection of userID from the room and clears
// their typing indicator there.
func (s *Server) evict(userID, conversationID uuid.UUID) {
	if n := s.hub.RemoveUser(userID, conversationID); n > 0 {
		s.log.Info("removed departed participant from room",
			"user_id", userID, "conversation_id", conversationID, "connections", n)
	}
	s.typing.Stop(conversationID, userID)
}

func (s *Server) Hub() *Hub { return s.hub }
