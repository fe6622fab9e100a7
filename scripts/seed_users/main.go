package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mahaj/dupahar-chat/pkg/logging"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type settings struct {
	DatabaseURL string `envconfig:"DB_URL" required:"true"`
}

// Reads "uuid[,display name]" lines from stdin and upserts active users into
// the directory. With -n, generates that many random users instead.
func main() {
	n := flag.Int("n", 0, "generate n random users instead of reading stdin")
	inactive := flag.Bool("inactive", false, "mark the users inactive")
	flag.Parse()
	log := logging.New("info", "text")

	_ = godotenv.Load()
	var s settings
	if err := envconfig.Process("", &s); err != nil {
		log.Error("bad environment", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pool, err := pgxpool.New(ctx, s.DatabaseURL)
	if err != nil {
		log.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	dir := store.NewDirectory(pool)

	upsert := func(id uuid.UUID, name string) {
		if err := dir.UpsertUser(ctx, id, name, !*inactive); err != nil {
			log.Error("upsert failed", "user_id", id, "err", err)
			os.Exit(1)
		}
		log.Info("user seeded", "user_id", id, "display_name", name)
	}

	if *n > 0 {
		for i := 0; i < *n; i++ {
			upsert(uuid.New(), "")
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rawID, name, _ := strings.Cut(line, ",")
		id, err := uuid.Parse(strings.TrimSpace(rawID))
		if err != nil {
			log.Warn("skipping line", "line", line, "err", err)
			continue
		}
		upsert(id, strings.TrimSpace(name))
	}
	if err := scanner.Err(); err != nil {
		log.Error("read stdin", "err", err)
		os.Exit(1)
	}
}
