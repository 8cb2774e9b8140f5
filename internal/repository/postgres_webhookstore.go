package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWebhookStore is a PostgreSQL implementation of WebhookStore, for
// deployments that need registrations to survive restarts.
type PostgresWebhookStore struct {
	db *pgxpool.Pool
}

// NewPostgresWebhookStore creates a new PostgresWebhookStore.
func NewPostgresWebhookStore(db *pgxpool.Pool) *PostgresWebhookStore {
	return &PostgresWebhookStore{db: db}
}

// EnsureSchema creates the webhooks table if it does not exist. Called once
// at startup before the store is used.
func (s *PostgresWebhookStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS webhooks (
		id UUID PRIMARY KEY,
		url TEXT NOT NULL,
		events TEXT[] NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Save stores a new registration.
func (s *PostgresWebhookStore) Save(ctx context.Context, reg *Registration) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO webhooks (id, url, events, secret, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		reg.ID, reg.URL, reg.Events, reg.Secret, reg.Active, reg.CreatedAt)
	return err
}

// Get retrieves a registration by id.
func (s *PostgresWebhookStore) Get(ctx context.Context, id string) (*Registration, error) {
	var reg Registration
	err := s.db.QueryRow(ctx,
		"SELECT id, url, events, secret, active, created_at FROM webhooks WHERE id = $1", id).
		Scan(&reg.ID, &reg.URL, &reg.Events, &reg.Secret, &reg.Active, &reg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// List returns all registrations, oldest first.
func (s *PostgresWebhookStore) List(ctx context.Context) ([]*Registration, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, url, events, secret, active, created_at FROM webhooks ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []*Registration
	for rows.Next() {
		var reg Registration
		if err := rows.Scan(&reg.ID, &reg.URL, &reg.Events, &reg.Secret, &reg.Active, &reg.CreatedAt); err != nil {
			return nil, err
		}
		regs = append(regs, &reg)
	}
	return regs, rows.Err()
}

// Update overwrites an existing registration.
func (s *PostgresWebhookStore) Update(ctx context.Context, reg *Registration) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE webhooks SET url = $1, events = $2, secret = $3, active = $4 WHERE id = $5",
		reg.URL, reg.Events, reg.Secret, reg.Active, reg.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// Delete removes a registration, reporting whether it existed.
func (s *PostgresWebhookStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
