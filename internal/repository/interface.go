package repository

import (
	"context"
	"errors"
	"time"
)

// ErrWebhookNotFound is returned when a webhook id has no registration.
var ErrWebhookNotFound = errors.New("webhook not found")

// Registration is a stored webhook subscription. The active flag toggles
// delivery without losing the registration or its history.
type Registration struct {
	ID        string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookStore persists webhook registrations.
type WebhookStore interface {
	// Save stores a new registration.
	Save(ctx context.Context, reg *Registration) error
	// Get retrieves a registration by id.
	Get(ctx context.Context, id string) (*Registration, error)
	// List returns all registrations.
	List(ctx context.Context) ([]*Registration, error)
	// Update overwrites an existing registration.
	Update(ctx context.Context, reg *Registration) error
	// Delete removes a registration, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}
