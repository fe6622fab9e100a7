package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

// Connect opens a session on keyspace with quorum consistency and a bounded
// exponential retry policy.
func Connect(hosts []string, keyspace string, log *slog.Logger) (*gocql.Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla %v/%s: %w", hosts, keyspace, err)
	}
	log.Info("connected to scylla", "hosts", hosts, "keyspace", keyspace)
	return session, nil
}

// EnsureSchema creates the keyspace and the events table when missing.
// It connects through the system keyspace since keyspace may not exist yet.
func EnsureSchema(hosts []string, keyspace string, log *slog.Logger) error {
	sys, err := Connect(hosts, "system", log)
	if err != nil {
		return err
	}
	defer sys.Close()

	stmts := []string{
		fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.conversation_events (
			conversation_id uuid,
			event_id bigint,
			type text,
			occurred_at timestamp,
			data text,
			PRIMARY KEY (conversation_id, event_id)
		) WITH CLUSTERING ORDER BY (event_id DESC)`, keyspace),
	}
	for _, stmt := range stmts {
		if err := sys.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}

// Scylla writes events to conversation_events. The primary key is the
// envelope id, so redelivered events overwrite themselves.
type Scylla struct {
	session *gocql.Session
}

func NewScylla(session *gocql.Session) *Scylla {
	return &Scylla{session: session}
}

func (s *Scylla) Append(ctx context.Context, env protocol.Envelope) error {
	const q = `INSERT INTO conversation_events (conversation_id, event_id, type, occurred_at, data) VALUES (?, ?, ?, ?, ?)`
	return s.session.Query(q,
		gocql.UUID(env.ConversationID),
		env.ID,
		string(env.Type),
		env.OccurredAt,
		string(env.Data),
	).WithContext(ctx).Exec()
}

// Recent returns up to limit archived events of a conversation, newest
// first.
func (s *Scylla) Recent(ctx context.Context, conversationID uuid.UUID, limit int) ([]protocol.Envelope, error) {
	const q = `SELECT event_id, type, occurred_at, data FROM conversation_events WHERE conversation_id = ? LIMIT ?`
	iter := s.session.Query(q, gocql.UUID(conversationID), limit).WithContext(ctx).Iter()

	var (
		out  []protocol.Envelope
		env  protocol.Envelope
		typ  string
		data string
	)
	for iter.Scan(&env.ID, &typ, &env.OccurredAt, &data) {
		env.ConversationID = conversationID
		env.Type = protocol.EventType(typ)
		env.Data = []byte(data)
		out = append(out, env)
		env = protocol.Envelope{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read archive for %s: %w", conversationID, err)
	}
	return out, nil
}
