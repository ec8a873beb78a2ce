package notify

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps undelivered notifications in PostgreSQL. Delivered rows
// are stamped rather than deleted.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to url, applies pending schema migrations and returns
// the store.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("notify: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("notify: postgres connection failed: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore creates a store on a migrated database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("notify: migration source: %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("notify: migration conn: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("notify: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("notify: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("notify: migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, n *Notification) error {
	const query = `
		INSERT INTO notifications (id, from_identity, to_identity, message, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, n.ID, n.From, n.To, n.Message, n.Type, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context, identity string) ([]*Notification, error) {
	const query = `
		SELECT id, from_identity, to_identity, message, type, created_at
		FROM notifications
		WHERE to_identity = $1
		  AND delivered_at IS NULL
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("notify: query pending: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{State: Undeliverable}
		if err := rows.Scan(&n.ID, &n.From, &n.To, &n.Message, &n.Type, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan pending: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate pending: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, identity string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	const query = `
		UPDATE notifications
		SET delivered_at = NOW()
		WHERE to_identity = $1
		  AND id = ANY($2)
		  AND delivered_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, identity, pq.Array(ids)); err != nil {
		return fmt.Errorf("notify: mark delivered: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
