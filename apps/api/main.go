package main

import (
	"fmt"
	"os"

	"github.com/mahaj/dupahar-chat/pkg/api"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/bootstrap"
	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	boot := logging.New("info", "text")
	cfg, err := config.Load(boot)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "api")

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

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.SessionTTL)
	var health api.Health
	if backends.Postgres != nil {
		health = backends.Postgres
	}
	srv := api.NewServer(svc, auth.NewSessionValidator(tokens, backends.Directory), tokens, backends.Directory,
		backends.Online(), health, api.Options{
			AllowDevLogin:  cfg.AllowDevLogin,
			AllowedOrigins: cfg.Origins(),
		}, log)

	err = bootstrap.Serve(ctx, "api", fmt.Sprintf(":%d", cfg.APIPort), srv.Handler(), log)
	stop()
	<-notifierDone
	return err
}
