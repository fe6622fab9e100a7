package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

// Smoke check against a running stack with ALLOW_DEV_LOGIN enabled: two
// users, one group conversation, one message that must reach the other
// user's socket.
func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	gatewayAddr := flag.String("addr", "localhost:8080", "gateway service address")
	flag.Parse()
	log := logging.New("info", "text")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fail := func(step string, err error) {
		log.Error("verify failed", "step", step, "err", err)
		os.Exit(1)
	}

	health, err := apiclient.New(*apiAddr).Health(ctx)
	if err != nil {
		fail("health", err)
	}
	log.Info("health", "body", health)

	// 1. Login
	alice, bob := apiclient.New(*apiAddr), apiclient.New(*apiAddr)
	bobID := uuid.New()
	if err := alice.Login(ctx, uuid.New(), "verify-alice"); err != nil {
		fail("login alice", err)
	}
	if err := bob.Login(ctx, bobID, "verify-bob"); err != nil {
		fail("login bob", err)
	}

	// 2. Conversation and socket
	conv, err := alice.CreateConversation(ctx, model.TypeGroup, "verify", bobID)
	if err != nil {
		fail("create conversation", err)
	}
	log.Info("conversation created", "conversation_id", conv.ID)

	u := url.URL{Scheme: "ws", Host: *gatewayAddr, Path: "/ws", RawQuery: url.Values{"token": {bob.Token()}}.Encode()}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		fail("dial gateway", err)
	}
	defer ws.Close()

	// 3. Message and fanout
	sent, err := alice.SendMessage(ctx, conv.ID, "verify "+time.Now().Format(time.RFC3339))
	if err != nil {
		fail("send message", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			fail("await message.created", err)
		}
		var f protocol.Frame
		if json.Unmarshal(raw, &f) == nil && f.Type == protocol.EventMessageCreated {
			var m protocol.MessagePayload
			if json.Unmarshal(f.Data, &m) == nil && m.ID == sent.ID {
				break
			}
		}
	}
	log.Info("message delivered over websocket", "message_id", sent.ID)

	// 4. History
	page, err := bob.ListMessages(ctx, conv.ID, "", 10)
	if err != nil {
		fail("history", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != sent.ID {
		fail("history", fmt.Errorf("unexpected page: %d messages", len(page.Messages)))
	}
	log.Info("verify ok")
}

