package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/archive"
	"github.com/mahaj/dupahar-chat/pkg/bootstrap"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logging"
)

// The messaging service copies durable events from the bus into the
// moderation archive. All instances share one consumer group.
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
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "messaging")

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	hosts := cfg.Scylla()
	if err := archive.EnsureSchema(hosts, cfg.ScyllaKeyspace, log); err != nil {
		return err
	}
	session, err := archive.Connect(hosts, cfg.ScyllaKeyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()

	sub := bus.NewKafkaSubscriber(cfg.Brokers(), cfg.KafkaTopic, cfg.KafkaArchiveGroup, false, log)
	defer sub.Close()

	a := archive.NewArchiver(archive.NewScylla(session), 5*time.Second, log)
	return a.Run(ctx, sub)
}
