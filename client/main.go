package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

func main() {
	gatewayAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userFlag := flag.String("user", "", "user id (uuid); random when empty")
	name := flag.String("name", "cli", "display name")
	convFlag := flag.String("conv", "", "conversation id to join")
	dmFlag := flag.String("dm", "", "user id to send direct messages to (overrides -conv)")
	flag.Parse()

	log := logging.New("info", "text")
	ctx := context.Background()

	userID := uuid.New()
	if *userFlag != "" {
		id, err := uuid.Parse(*userFlag)
		if err != nil {
			log.Error("invalid -user", "err", err)
			os.Exit(1)
		}
		userID = id
	}

	// 1. Login to get token
	api := apiclient.New(*apiAddr)
	if err := api.Login(ctx, userID, *name); err != nil {
		log.Error("login failed", "err", err)
		os.Exit(1)
	}
	log.Info("logged in", "user_id", userID)

	var dmUser uuid.UUID
	var conv uuid.UUID
	switch {
	case *dmFlag != "":
		id, err := uuid.Parse(*dmFlag)
		if err != nil {
			log.Error("invalid -dm", "err", err)
			os.Exit(1)
		}
		dmUser = id
	case *convFlag != "":
		id, err := uuid.Parse(*convFlag)
		if err != nil {
			log.Error("invalid -conv", "err", err)
			os.Exit(1)
		}
		conv = id
	default:
		log.Error("one of -conv or -dm is required")
		os.Exit(1)
	}

	// 2. Connect to the gateway with the token
	u := url.URL{Scheme: "ws", Host: *gatewayAddr, Path: "/ws"}
	q := u.Query()
	q.Set("token", api.Token())
	u.RawQuery = q.Encode()
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Error("dial failed", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	sendCmd := func(cmd protocol.Command) {
		raw, err := protocol.EncodeCommand(cmd, strconv.FormatInt(time.Now().UnixNano(), 36))
		if err == nil {
			err = c.WriteMessage(websocket.TextMessage, raw)
		}
		if err != nil {
			log.Error("write failed", "err", err)
		}
	}

	// A direct conversation exists once the first message is sent; join it
	// then.
	if conv != uuid.Nil {
		sendCmd(protocol.Join{ConversationID: conv})
	}

	done := make(chan struct{})

	// 3. Print frames as they arrive
	go func() {
		defer close(done)
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				log.Info("connection closed", "err", err)
				return
			}
			printFrame(raw, userID)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read commands and messages from stdin
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case text == "/typing":
				sendCmd(protocol.TypingStart{ConversationID: conv})
			case text == "/stop":
				sendCmd(protocol.TypingStop{ConversationID: conv})
			case strings.HasPrefix(text, "/read "):
				id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "/read ")), 10, 64)
				if err != nil {
					fmt.Println("usage: /read <messageId>")
					break
				}
				sendCmd(protocol.ReadMark{ConversationID: conv, MessageID: id})
			case text == "/history":
				page, err := api.ListMessages(ctx, conv, "", 20)
				if err != nil {
					fmt.Println("history:", err)
					break
				}
				for _, m := range page.Messages {
					fmt.Printf("[%d] %s: %s\n", m.ID, m.SenderID, m.Body)
				}
			default:
				var (
					m   protocol.MessagePayload
					err error
				)
				if dmUser != uuid.Nil {
					m, err = api.SendDirectMessage(ctx, dmUser, text)
					if err == nil && conv == uuid.Nil {
						conv = m.ConversationID
						sendCmd(protocol.Join{ConversationID: conv})
					}
				} else {
					_, err = api.SendMessage(ctx, conv, text)
				}
				if err != nil {
					fmt.Println("send:", err)
				}
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			log.Error("write close failed", "err", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func printFrame(raw []byte, self uuid.UUID) {
	var f protocol.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		fmt.Printf("\rraw: %s\n> ", raw)
		return
	}
	switch f.Type {
	case protocol.EventMessageCreated, protocol.EventMessageEdited, protocol.EventMessageDeleted:
		var m protocol.MessagePayload
		if json.Unmarshal(f.Data, &m) == nil {
			tag := map[protocol.EventType]string{
				protocol.EventMessageEdited:  " (edited)",
				protocol.EventMessageDeleted: " (deleted)",
			}[f.Type]
			fmt.Printf("\r[%d] %s: %s%s\n> ", m.ID, m.SenderID, m.Body, tag)
		}
	case protocol.EventTypingStart:
		var p protocol.TypingPayload
		if json.Unmarshal(f.Data, &p) == nil && p.UserID != self {
			fmt.Printf("\r%s is typing...\n> ", p.UserID)
		}
	case protocol.EventReadReceipt:
		var p protocol.ReadReceiptPayload
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Printf("\r%s read up to %d\n> ", p.UserID, p.LastReadMessageID)
		}
	case protocol.EventError:
		var p protocol.ErrorPayload
		if json.Unmarshal(f.Data, &p) == nil {
			fmt.Printf("\rerror %s: %s\n> ", p.Code, p.Message)
		}
	case protocol.EventAck, protocol.EventTypingStop:
	default:
		fmt.Printf("\r%s: %s\n> ", f.Type, f.Data)
	}
}
