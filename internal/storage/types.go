package storage

import (
	"context"
	"errors"
	"time"

	"tgblast/internal/delivery"
	"tgblast/internal/transport"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process maps, gone on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the full persistence API: the delivery engine's collaborator
// contracts plus the write side used by seeding/administration.
type Store interface {
	delivery.CampaignStore
	delivery.CredentialStore
	delivery.Sink

	CreateCampaign(ctx context.Context, c delivery.Campaign) error
	PutCredential(ctx context.Context, cred transport.Credential) error

	Close() error
}
