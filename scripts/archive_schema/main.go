package main

import (
	"flag"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/mahaj/dupahar-chat/pkg/archive"
	"github.com/mahaj/dupahar-chat/pkg/logging"
)

type settings struct {
	ScyllaHosts []string `envconfig:"SCYLLA_HOSTS" default:"localhost:9042"`
	Keyspace    string   `envconfig:"SCYLLA_KEYSPACE" default:"chat"`
}

func main() {
	drop := flag.Bool("drop", false, "drop the events table instead of creating it")
	flag.Parse()
	log := logging.New("info", "text")

	var s settings
	if err := envconfig.Process("", &s); err != nil {
		log.Error("bad environment", "err", err)
		os.Exit(1)
	}

	if !*drop {
		if err := archive.EnsureSchema(s.ScyllaHosts, s.Keyspace, log); err != nil {
			log.Error("failed to create archive schema", "err", err)
			os.Exit(1)
		}
		log.Info("archive schema ready", "keyspace", s.Keyspace)
		return
	}

	session, err := archive.Connect(s.ScyllaHosts, s.Keyspace, log)
	if err != nil {
		log.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer session.Close()

	log.Info("dropping table conversation_events")
	if err := session.Query("DROP TABLE IF EXISTS conversation_events").Exec(); err != nil {
		log.Error("failed to drop table", "err", err)
		os.Exit(1)
	}
	log.Info("table dropped")
}
