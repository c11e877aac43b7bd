// Package guard keeps the in-memory model of who is connected to each
// managed game server in sync with reality, and mediates moderation actions
// against the players it tracks.
package guard

import (
	"context"

	"github.com/ernie/warden/internal/domain"
)

// Commander is the rcon surface an instance drives. *rcon.Client satisfies
// it; tests substitute fakes.
type Commander interface {
	Status(ctx context.Context) (*domain.GameStatus, error)
	GetCvar(ctx context.Context, name string) (string, bool, error)
	SetCvar(ctx context.Context, name, value string) error
	Say(ctx context.Context, message string) error
	Tell(ctx context.Context, slot int, message string) error
	Kick(ctx context.Context, target, reason string) error
	Ready() bool
	Close() error
}

// Directory resolves persistent player identities. Implemented outside the
// core (the bundled sqlite store, or any external service).
type Directory interface {
	// ResolveOrCreate returns the persisted identity for a GUID, creating
	// it on first sight. Name and address refresh the stored record.
	ResolveOrCreate(ctx context.Context, guid, name, address string) (domain.Identity, error)
	GetMeta(ctx context.Context, playerID int64, key string) (string, error)
	SetMeta(ctx context.Context, playerID int64, key, value string) error
}

// Ledger records lifecycle and moderation facts. Failures are absorbed by
// the callers: the in-memory model stays authoritative when persistence is
// unavailable.
type Ledger interface {
	RecordPenalty(ctx context.Context, p domain.Penalty) error
	RecordConnect(ctx context.Context, serverID int64, guid, name, address string) error
	RecordDisconnect(ctx context.Context, serverID int64, guid, name string) error
}
