package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func testClient(userID uuid.UUID, buffer int) *Client {
	return newClient(time.Now().UnixNano(), userID, "", nil, buffer, logging.Discard())
}

func envelope(t *testing.T, conv uuid.UUID, ev protocol.Event) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(1, conv, ev, time.Now())
	require.NoError(t, err)
	return env
}

func TestHub_BaselineAfterManyCycles(t *testing.T) {
	req := require.New(t)
	h := NewHub(logging.Discard())
	conv := uuid.New()

	for i := 0; i < 100; i++ {
		c := testClient(uuid.New(), 4)
		req.True(h.Register(c))
		req.True(h.Join(c, conv))
		req.Equal(StateJoined, c.State())
		c.Close()
		req.True(h.Unregister(c))
		req.False(h.Unregister(c))
		req.Equal(StateClosed, c.State())
	}

	req.Equal(Stats{}, h.Stats())
	req.Empty(h.rooms)
	req.Empty(h.userClients)
}

func TestHub_RegisterReportsFirstAndLast(t *testing.T) {
	req := require.New(t)
	h := NewHub(logging.Discard())
	user := uuid.New()
	a, b := testClient(user, 1), testClient(user, 1)

	req.True(h.Register(a))
	req.False(h.Register(b))
	req.Equal(Stats{Users: 1, Connections: 2}, h.Stats())
	req.False(h.Unregister(a))
	req.True(h.Unregister(b))
}

func TestHub_DeliverRouting(t *testing.T) {
	req := require.New(t)
	h := NewHub(logging.Discard())
	conv := uuid.New()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	aliceJoined := testClient(alice, 8)
	aliceIdle := testClient(alice, 8)
	bobJoined := testClient(bob, 8)
	carolIdle := testClient(carol, 8)
	for _, c := range []*Client{aliceJoined, aliceIdle, bobJoined, carolIdle} {
		h.Register(c)
	}
	h.Join(aliceJoined, conv)
	h.Join(bobJoined, conv)

	// Recipient events reach every connection of the recipients
	env := envelope(t, conv, protocol.MessageCreated{})
	env.Recipients = []uuid.UUID{alice, carol}
	req.Equal(3, h.Deliver(env))
	req.Len(aliceIdle.send, 1)
	req.Len(carolIdle.send, 1)
	req.Empty(bobJoined.send)

	// Room events reach joined connections except the excluded user
	typing := envelope(t, conv, protocol.TypingStarted{UserID: alice})
	typing.Exclude = &alice
	req.Equal(1, h.Deliver(typing))
	req.Len(bobJoined.send, 1)

	var f protocol.Frame
	req.NoError(json.Unmarshal(<-bobJoined.send, &f))
	req.Equal(protocol.EventTypingStart, f.Type)
	req.Equal(conv, *f.ConversationID)
}

func TestHub_SlowConsumerIsDisconnected(t *testing.T) {
	req := require.New(t)
	h := NewHub(logging.Discard())
	conv := uuid.New()
	slow := testClient(uuid.New(), 1)
	fast := testClient(uuid.New(), 8)
	h.Register(slow)
	h.Register(fast)
	h.Join(slow, conv)
	h.Join(fast, conv)

	env := envelope(t, conv, protocol.TypingStarted{UserID: uuid.New()})
	req.Equal(2, h.Deliver(env))
	req.Equal(1, h.Deliver(env))

	req.Equal(StateClosed, slow.State())
	req.Len(fast.send, 2)
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client not closed")
	}
	// Closed clients are skipped without counting as slow again
	req.Equal(1, h.Deliver(env))
}

func TestHub_LeaveReturnsToAuthenticated(t *testing.T) {
	req := require.New(t)
	h := NewHub(logging.Discard())
	c := testClient(uuid.New(), 1)
	a, b := uuid.New(), uuid.New()
	h.Register(c)
	h.Join(c, a)
	h.Join(c, b)
	req.ElementsMatch([]uuid.UUID{a, b}, h.JoinedRooms(c))

	h.Leave(c, a)
	req.Equal(StateJoined, c.State())
	h.Leave(c, b)
	req.Equal(StateAuthenticated, c.State())
	req.False(h.Joined(c, a))
	req.Equal(Stats{Users: 1, Connections: 1}, h.Stats())
}

func TestHub_RemoveUserDropsEveryConnectionFromTheRoom(t *testing.T) {
	req := require.New(t)
	h := NewHub(logging.Discard())
	conv, other := uuid.New(), uuid.New()
	user, peer := uuid.New(), uuid.New()
	a, b, c := testClient(user, 4), testClient(user, 4), testClient(peer, 4)
	for _, cl := range []*Client{a, b, c} {
		h.Register(cl)
		req.True(h.Join(cl, conv))
	}
	req.True(h.Join(a, other))

	req.Equal(2, h.RemoveUser(user, conv))

	req.False(h.UserJoined(user, conv))
	req.True(h.UserJoined(peer, conv))
	req.True(h.Joined(a, other))
	req.Equal(StateJoined, a.State())
	req.Equal(StateAuthenticated, b.State())
	req.Zero(h.RemoveUser(user, conv))

	// Typing in the room no longer reaches the removed user
	req.Equal(1, h.Deliver(envelope(t, conv, protocol.TypingStarted{UserID: uuid.New()})))
}
