// Package postgres provides the PostgreSQL-backed message store. Status
// changes are single conditional UPDATE statements, so concurrent
// acknowledgements of the same message change it at most once.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/whisper/rtchat/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.MessageStore on PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds a message in its initial state. Inserting an id that already
// exists leaves the stored row untouched, so replayed creation events are
// harmless.
func (s *Store) Insert(ctx context.Context, msg store.Message) error {
	if !msg.Status.Valid() {
		msg.Status = store.StatusSent
	}
	reactions, err := marshalReactions(msg.Reactions)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, status, reactions)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, string(msg.Status), reactions,
	); err != nil {
		return fmt.Errorf("postgres: insert: %w", err)
	}
	return nil
}

const columns = `id, conversation_id, sender_id, receiver_id, status, reactions`

func (s *Store) Get(ctx context.Context, id string) (store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres: get: %w", err)
	}
	return msg, nil
}

func (s *Store) DeliverPending(ctx context.Context, receiverID string) ([]store.Message, error) {
	const query = `
		UPDATE messages SET status = 'delivered', updated_at = NOW()
		WHERE receiver_id = $1 AND status = 'sent'
		RETURNING ` + columns

	rows, err := s.db.QueryContext(ctx, query, receiverID)
	if err != nil {
		return nil, fmt.Errorf("postgres: deliver pending: %w", err)
	}
	return collect(rows)
}

func (s *Store) Advance(ctx context.Context, receiverID string, ids []string, to store.Status) ([]store.Message, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("postgres: invalid status %q", to)
	}
	below := to.Below()
	if len(ids) == 0 || len(below) == 0 {
		return nil, nil
	}
	from := make([]string, len(below))
	for i, st := range below {
		from[i] = string(st)
	}

	const query = `
		UPDATE messages SET status = $3, updated_at = NOW()
		WHERE receiver_id = $1 AND id = ANY($2) AND status = ANY($4)
		RETURNING ` + columns

	rows, err := s.db.QueryContext(ctx, query, receiverID, pq.Array(ids), string(to), pq.Array(from))
	if err != nil {
		return nil, fmt.Errorf("postgres: advance: %w", err)
	}
	return collect(rows)
}

func (s *Store) UpdateReactions(ctx context.Context, id string, fn func([]store.Reaction) []store.Reaction) (store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+columns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres: lock message: %w", err)
	}

	msg.Reactions = fn(msg.Reactions)
	reactions, err := marshalReactions(msg.Reactions)
	if err != nil {
		return store.Message{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET reactions = $2, updated_at = NOW() WHERE id = $1`, id, reactions,
	); err != nil {
		return store.Message{}, fmt.Errorf("postgres: update reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Message{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (store.Message, error) {
	var (
		msg       store.Message
		status    string
		reactions []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &status, &reactions); err != nil {
		return store.Message{}, err
	}
	msg.Status = store.Status(status)
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
			return store.Message{}, fmt.Errorf("postgres: decode reactions: %w", err)
		}
	}
	return msg, nil
}

func collect(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return out, nil
}

func marshalReactions(rs []store.Reaction) ([]byte, error) {
	if rs == nil {
		rs = []store.Reaction{}
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal reactions: %w", err)
	}
	return data, nil
}
