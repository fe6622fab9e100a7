package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/bootstrap"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(logging.New("info", "text"))
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "gateway")

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	backends, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}
	notifier := chat.NewNotifier(backends.Publisher(), ids, cfg.NotifierQueueSize, log)
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(ctx)
	}()

	svc := chat.NewService(backends.Store, backends.Directory, backends.Limiter(ctx), notifier, chat.Options{
		OpTimeout:     cfg.OpTimeout,
		MaxBodyLength: cfg.MaxBodyLength,
		MaxGroupSize:  cfg.MaxGroupSize,
	}, log)

	tracker := presence.NewTracker(cfg.TypingTTL, notifier.Typing)
	defer tracker.Close()

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.SessionTTL)
	gw := gateway.NewServer(gateway.NewHub(log), auth.NewSessionValidator(tokens, backends.Directory), svc, tracker,
		backends.Online(), ids, gateway.Options{
			SendBuffer:     cfg.GatewaySendBuffer,
			MaxMessageSize: cfg.GatewayMaxMessageSize,
			CommandTimeout: cfg.GatewayCommandTimeout,
			AllowedOrigins: cfg.Origins(),
		}, log)

	// Every gateway needs every event, so each instance reads as its own
	// consumer group starting from the newest offset.
	group := fmt.Sprintf("gateway-%d-%s", cfg.NodeID, uuid.NewString())
	consumeDone := make(chan error, 1)
	go func() { consumeDone <- gw.Consume(ctx, backends.Subscriber(group, true)) }()

	r := mux.NewRouter()
	r.HandleFunc("/ws", gw.ServeWS)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s := gw.Hub().Stats()
		fmt.Fprintf(w, `{"status":"ok","users":%d,"connections":%d,"rooms":%d}`, s.Users, s.Connections, s.Rooms)
	}).Methods(http.MethodGet)

	err = bootstrap.Serve(ctx, "gateway", fmt.Sprintf(":%d", cfg.GatewayPort), r, log)
	stop()
	if cerr := <-consumeDone; cerr != nil {
		log.Error("event consumer stopped", "err", cerr)
	}
	<-notifierDone
	return err
}
