package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/admission"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store/memstore"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv    *httptest.Server
	gw     *gateway.Server
	svc    *chat.Service
	dir    *memstore.Directory
	tokens *auth.Tokens
	online *presence.Memory
	typing *presence.Tracker
}

func setup(t *testing.T) *env {
	t.Helper()
	log := logging.Discard()
	ids, err := snowflake.NewNode(3)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemory(log)
	notifier := chat.NewNotifier(b, ids, 256, log)
	go notifier.Run(ctx)

	e := &env{
		dir:    memstore.NewDirectory(),
		tokens: auth.NewTokens("test-secret", time.Hour),
		online: presence.NewMemory(),
	}
	e.svc = chat.NewService(memstore.New(), e.dir, admission.AllowAll{}, notifier, chat.Options{OpTimeout: time.Second}, log)
	e.typing = presence.NewTracker(time.Minute, notifier.Typing)
	t.Cleanup(e.typing.Close)

	e.gw = gateway.NewServer(gateway.NewHub(log), auth.NewSessionValidator(e.tokens, e.dir), e.svc, e.typing, e.online, ids,
		gateway.Options{SendBuffer: 64}, log)
	go func() { _ = e.gw.Consume(ctx, b) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	e.srv = httptest.NewServer(http.HandlerFunc(e.gw.ServeWS))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) user(t *testing.T) (model.Actor, string) {
	t.Helper()
	id := uuid.New()
	e.dir.Add(id)
	token, err := e.tokens.Issue(id)
	require.NoError(t, err)
	return model.Actor{UserID: id}, token
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()
	raw, err := protocol.EncodeCommand(cmd, "r1")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// await reads frames until one of type typ arrives.
func await(t *testing.T, conn *websocket.Conn, typ protocol.EventType) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f protocol.Frame
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == typ {
			return f
		}
	}
}

// silent asserts that no frame of type typ arrives within wait.
func silent(t *testing.T, conn *websocket.Conn, typ protocol.EventType, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		var f protocol.Frame
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected read error: %v", err)
			return
		}
		require.NoError(t, json.Unmarshal(raw, &f))
		require.NotEqual(t, typ, f.Type)
	}
}

func (e *env) group(t *testing.T, members ...model.Actor) uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members[1:] {
		ids = append(ids, m.UserID)
	}
	d, _, err := e.svc.CreateConversation(context.Background(), members[0], chat.CreateConversationInput{
		Type: model.TypeGroup, ParticipantIDs: ids, Title: "room",
	})
	require.NoError(t, err)
	return d.ID
}

func TestServeWS_RejectsMissingOrInactiveSession(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	actor, token := e.user(t)
	e.dir.SetActive(actor.UserID, false)
	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusForbidden, resp.StatusCode)
}

func TestGateway_MessagesReachAllConnectionsOfParticipants(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, bobToken := e.user(t)
	conv := e.group(t, alice, bob)

	// Bob is connected but has not joined the room
	bobConn := e.dial(t, bobToken)
	aliceConn := e.dial(t, aliceToken)
	send(t, aliceConn, protocol.Join{ConversationID: conv})
	await(t, aliceConn, protocol.EventAck)

	msg, err := e.svc.SendMessage(context.Background(), alice, chat.SendMessageInput{ConversationID: conv, Body: "hello bob"})
	req.NoError(err)

	f := await(t, bobConn, protocol.EventMessageCreated)
	req.Equal(conv, *f.ConversationID)
	var p protocol.MessagePayload
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal(msg.ID, p.ID)
	req.Equal("hello bob", p.Body)
	await(t, aliceConn, protocol.EventMessageCreated)
}

func TestGateway_TypingGoesToTheRoomAndClearsOnDisconnect(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, bobToken := e.user(t)
	conv := e.group(t, alice, bob)

	aliceConn := e.dial(t, aliceToken)
	bobConn := e.dial(t, bobToken)
	for _, c := range []*websocket.Conn{aliceConn, bobConn} {
		send(t, c, protocol.Join{ConversationID: conv})
		await(t, c, protocol.EventAck)
	}

	// When alice starts typing
	send(t, aliceConn, protocol.TypingStart{ConversationID: conv})
	await(t, aliceConn, protocol.EventAck)

	// Then bob sees it and alice does not
	f := await(t, bobConn, protocol.EventTypingStart)
	var p protocol.TypingPayload
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal(alice.UserID, p.UserID)
	silent(t, aliceConn, protocol.EventTypingStart, 100*time.Millisecond)

	// And when alice's only connection drops, bob sees typing stop
	req.NoError(aliceConn.Close())
	await(t, bobConn, protocol.EventTypingStop)
}

func TestGateway_LeavingTheConversationEndsRoomMembership(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, bobToken := e.user(t)
	carol, _ := e.user(t)
	conv := e.group(t, alice, bob, carol)

	aliceConn := e.dial(t, aliceToken)
	bobConn := e.dial(t, bobToken)
	for _, c := range []*websocket.Conn{aliceConn, bobConn} {
		send(t, c, protocol.Join{ConversationID: conv})
		await(t, c, protocol.EventAck)
	}

	// Given alice leaves through the service
	req.NoError(e.svc.LeaveConversation(context.Background(), alice, conv))

	// When her still-open socket starts typing
	send(t, aliceConn, protocol.TypingStart{ConversationID: conv})

	// Then it is refused and her connections are out of the room
	f := await(t, aliceConn, protocol.EventError)
	var p protocol.ErrorPayload
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal(apperr.CodePermission, p.Code)
	req.Eventually(func() bool { return !e.gw.Hub().UserJoined(alice.UserID, conv) }, time.Second, 5*time.Millisecond)
	req.Empty(e.typing.Typing(conv))

	// And bob never hears her typing, while she no longer hears his
	time.Sleep(50 * time.Millisecond)
	send(t, bobConn, protocol.TypingStart{ConversationID: conv})
	req.NoError(bobConn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	for {
		_, raw, err := bobConn.ReadMessage()
		req.NoError(err)
		var frame protocol.Frame
		req.NoError(json.Unmarshal(raw, &frame))
		req.NotEqual(protocol.EventTypingStart, frame.Type, "typing from a departed participant")
		if frame.Type == protocol.EventAck {
			break
		}
	}
	silent(t, aliceConn, protocol.EventTypingStart, 150*time.Millisecond)
}

func TestGateway_LeavingOneTabKeepsTypingFromAnother(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, bobToken := e.user(t)
	conv := e.group(t, alice, bob)

	tab1, tab2 := e.dial(t, aliceToken), e.dial(t, aliceToken)
	bobConn := e.dial(t, bobToken)
	for _, c := range []*websocket.Conn{tab1, tab2, bobConn} {
		send(t, c, protocol.Join{ConversationID: conv})
		await(t, c, protocol.EventAck)
	}
	send(t, tab1, protocol.TypingStart{ConversationID: conv})
	await(t, tab1, protocol.EventAck)
	await(t, bobConn, protocol.EventTypingStart)

	// When one tab leaves the room
	send(t, tab1, protocol.Leave{ConversationID: conv})
	await(t, tab1, protocol.EventAck)

	// Then alice is still typing there
	req.Equal([]uuid.UUID{alice.UserID}, e.typing.Typing(conv))

	// And the indicator stops once her last tab leaves
	send(t, tab2, protocol.Leave{ConversationID: conv})
	await(t, tab2, protocol.EventAck)
	req.Empty(e.typing.Typing(conv))
	await(t, bobConn, protocol.EventTypingStop)
}

func TestGateway_CommandErrorsKeepTheConnection(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, _ := e.user(t)
	bob, _ := e.user(t)
	_, outsiderToken := e.user(t)
	conv := e.group(t, alice, bob)

	conn := e.dial(t, outsiderToken)
	send(t, conn, protocol.Join{ConversationID: conv})
	f := await(t, conn, protocol.EventError)
	var p protocol.ErrorPayload
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal("r1", p.Ref)
	req.Equal(apperr.CodePermission, p.Code)

	send(t, conn, protocol.TypingStart{ConversationID: conv})
	f = await(t, conn, protocol.EventError)
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal(apperr.CodePermission, p.Code)

	// The connection is still usable
	send(t, conn, protocol.Leave{ConversationID: conv})
	await(t, conn, protocol.EventAck)
}

func TestGateway_ProtocolErrorClosesOnlyThatConnection(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, bobToken := e.user(t)
	conv := e.group(t, alice, bob)

	aliceConn := e.dial(t, aliceToken)
	send(t, aliceConn, protocol.Join{ConversationID: conv})
	await(t, aliceConn, protocol.EventAck)

	// When bob sends garbage
	bobConn := e.dial(t, bobToken)
	req.NoError(bobConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"explode","data":{}}`)))

	// Then bob gets an error frame and a protocol-error close
	f := await(t, bobConn, protocol.EventError)
	var p protocol.ErrorPayload
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal(apperr.CodeProtocol, p.Code)
	_, _, err := bobConn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)

	// And alice is unaffected
	_, err = e.svc.SendMessage(context.Background(), bob, chat.SendMessageInput{ConversationID: conv, Body: "still here"})
	req.NoError(err)
	await(t, aliceConn, protocol.EventMessageCreated)
}

func TestGateway_ReadMarkBroadcastsReceipt(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, bobToken := e.user(t)
	conv := e.group(t, alice, bob)
	msg, err := e.svc.SendMessage(context.Background(), alice, chat.SendMessageInput{ConversationID: conv, Body: "read me"})
	req.NoError(err)

	aliceConn := e.dial(t, aliceToken)
	bobConn := e.dial(t, bobToken)
	send(t, bobConn, protocol.ReadMark{ConversationID: conv, MessageID: msg.ID})
	await(t, bobConn, protocol.EventAck)

	f := await(t, aliceConn, protocol.EventReadReceipt)
	var p protocol.ReadReceiptPayload
	req.NoError(json.Unmarshal(f.Data, &p))
	req.Equal(bob.UserID, p.UserID)
	req.Equal(msg.ID, p.LastReadMessageID)
}

func TestGateway_RegistryReturnsToBaseline(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice, aliceToken := e.user(t)
	bob, _ := e.user(t)
	conv := e.group(t, alice, bob)

	for i := 0; i < 20; i++ {
		conn := e.dial(t, aliceToken)
		send(t, conn, protocol.Join{ConversationID: conv})
		await(t, conn, protocol.EventAck)
		req.NoError(conn.Close())
	}

	req.Eventually(func() bool { return e.gw.Hub().Stats() == gateway.Stats{} }, 2*time.Second, 10*time.Millisecond)
	req.Eventually(func() bool {
		online, err := e.online.Filter(context.Background(), []uuid.UUID{alice.UserID})
		return err == nil && len(online) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
