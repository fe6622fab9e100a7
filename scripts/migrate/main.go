package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type settings struct {
	DatabaseURL string `envconfig:"DB_URL" required:"true"`
}

// Applies or rolls back the embedded Postgres migrations.
func main() {
	down := flag.Bool("down", false, "roll back every migration")
	flag.Parse()
	log := logging.New("info", "text")

	_ = godotenv.Load()
	var s settings
	if err := envconfig.Process("", &s); err != nil {
		log.Error("bad environment", "err", err)
		os.Exit(1)
	}

	dir := store.Up
	if *down {
		dir = store.Down
	}
	if err := store.Migrate(s.DatabaseURL, dir); err != nil {
		log.Error("migration failed", "direction", dir, "err", err)
		os.Exit(1)
	}
	log.Info("migrations complete", "direction", dir)
}
