package apiclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/admission"
	"github.com/mahaj/dupahar-chat/pkg/api"
	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store/memstore"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logging.Discard()
	ids, err := snowflake.NewNode(4)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	notifier := chat.NewNotifier(bus.NewMemory(log), ids, 16, log)
	go notifier.Run(ctx)

	dir := memstore.NewDirectory()
	tokens := auth.NewTokens("client-secret", time.Hour)
	svc := chat.NewService(memstore.New(), dir, admission.AllowAll{}, notifier, chat.Options{OpTimeout: time.Second}, log)
	srv := httptest.NewServer(api.NewServer(svc, auth.NewSessionValidator(tokens, dir), tokens, dir,
		presence.NewMemory(), nil, api.Options{AllowDevLogin: true}, log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ConversationRoundTrip(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)
	ctx := context.Background()

	alice, bob := apiclient.New(srv.URL), apiclient.New(srv.URL)
	aliceID, bobID := uuid.New(), uuid.New()
	req.NoError(alice.Login(ctx, aliceID, "alice"))
	req.NoError(bob.Login(ctx, bobID, "bob"))
	req.NotEmpty(alice.Token())

	// Given a direct message from alice
	sent, err := alice.SendDirectMessage(ctx, bobID, "hello")
	req.NoError(err)

	// Then bob sees the conversation with one unread message
	page, err := bob.ListConversations(ctx, "", 10)
	req.NoError(err)
	req.Len(page.Conversations, 1)
	req.Equal(model.TypeDirect, page.Conversations[0].Type)
	req.Equal(1, page.Conversations[0].UnreadCount)

	// And reading it clears the count
	receipt, err := bob.MarkRead(ctx, sent.ConversationID, sent.ID)
	req.NoError(err)
	req.Equal(sent.ID, receipt.LastReadMessageID)

	msgs, err := bob.ListMessages(ctx, sent.ConversationID, "", 0)
	req.NoError(err)
	req.Len(msgs.Messages, 1)
	req.Equal("hello", msgs.Messages[0].Body)
}

func TestClient_ErrorsCarryThePublicCode(t *testing.T) {
	req := require.New(t)
	srv := newServer(t)
	ctx := context.Background()

	anon := apiclient.New(srv.URL)
	_, err := anon.ListConversations(ctx, "", 0)
	var apiErr *apiclient.Error
	req.True(errors.As(err, &apiErr))
	req.Equal(http.StatusUnauthorized, apiErr.Status)
	req.Equal(apperr.CodeUnauthenticated, apiErr.Code)

	c := apiclient.New(srv.URL)
	req.NoError(c.Login(ctx, uuid.New(), "solo"))
	_, err = c.CreateConversation(ctx, model.TypeGroup, "alone")
	req.True(errors.As(err, &apiErr))
	req.Equal(http.StatusBadRequest, apiErr.Status)
	req.Equal(apperr.CodeValidation, apiErr.Code)

	health, err := c.Health(ctx)
	req.NoError(err)
	req.Equal("ok", health["status"])
}
