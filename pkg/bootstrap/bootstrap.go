// Package bootstrap opens the backends selected by configuration and runs
// HTTP servers until shutdown. Shared by every binary under apps/.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/admission"
	"github.com/mahaj/dupahar-chat/pkg/bus"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/store/memstore"
	"github.com/redis/go-redis/v9"
)

// Directory is the user directory: lookups for sessions and validation,
// upserts for the development login and seeding.
type Directory interface {
	UsersExistAndActive(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	UpsertUser(ctx context.Context, id uuid.UUID, displayName string, active bool) error
}

type Backends struct {
	Store     store.Store
	Directory Directory
	// Postgres is nil for the in-memory driver.
	Postgres *store.Postgres
	// Redis is nil unless a backend asked for it.
	Redis *redis.Client

	cfg     *config.Config
	log     *slog.Logger
	memBus  *bus.Memory
	closers []func()
}

// Open connects the store and, when configured, redis.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backends, error) {
	b := &Backends{cfg: cfg, log: log}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.AutoMigrate {
			if err := store.Migrate(cfg.DatabaseURL, store.Up); err != nil {
				return nil, err
			}
			log.Info("migrations applied")
		}
		pg, err := store.Connect(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		b.Postgres = pg
		b.Store = pg
		b.Directory = store.NewDirectory(pg.Pool())
		b.closers = append(b.closers, pg.Close)
	default:
		log.Warn("using in-memory store, data is lost on exit")
		b.Store = memstore.New()
		b.Directory = memstore.NewDirectory()
	}

	if cfg.AdmissionBackend == "redis" || cfg.PresenceBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			b.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		b.Redis = rdb
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		log.Info("connected to redis", "addr", cfg.RedisAddr)
	}
	return b, nil
}

func (b *Backends) Limiter(ctx context.Context) admission.Limiter {
	limits := admission.DefaultLimits(b.cfg.AdmissionRPS, b.cfg.AdmissionBurst)
	if b.cfg.AdmissionBackend == "redis" {
		return admission.NewRedis(b.Redis, limits)
	}
	local := admission.NewLocal(limits)
	go local.RunSweeper(ctx, time.Minute)
	return local
}

func (b *Backends) Online() presence.Online {
	if b.cfg.PresenceBackend == "redis" {
		return presence.NewRedis(b.Redis)
	}
	return presence.NewMemory()
}

func (b *Backends) memory() *bus.Memory {
	if b.memBus == nil {
		b.memBus = bus.NewMemory(b.log)
	}
	return b.memBus
}

func (b *Backends) Publisher() bus.Publisher {
	if b.cfg.BusDriver == "memory" {
		return b.memory()
	}
	p := bus.NewKafkaPublisher(b.cfg.Brokers(), b.cfg.KafkaTopic)
	b.closers = append(b.closers, func() { _ = p.Close() })
	return p
}

// Subscriber reads the event topic as groupID. fromLatest skips history
// for groups that have no committed offset yet.
func (b *Backends) Subscriber(groupID string, fromLatest bool) bus.Subscriber {
	if b.cfg.BusDriver == "memory" {
		return b.memory()
	}
	s := bus.NewKafkaSubscriber(b.cfg.Brokers(), b.cfg.KafkaTopic, groupID, fromLatest, b.log)
	b.closers = append(b.closers, func() { _ = s.Close() })
	return s
}

// Close releases everything in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Serve runs handler on addr until ctx is done, then drains in-flight
// requests for up to ten seconds.
func Serve(ctx context.Context, name, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "server", name, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	log.Info("server shutting down", "server", name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	return nil
}
