package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/warden/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveOrCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.ResolveOrCreate(ctx, "ABC123", "Alice", "10.0.0.1:28960")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if id.PlayerID == 0 {
		t.Fatal("new identity has no id")
	}
	if id.GUID != "ABC123" || id.Name != "Alice" || id.Level != 0 {
		t.Errorf("identity = %+v", id)
	}

	// same guid: same row, refreshed name
	again, err := s.ResolveOrCreate(ctx, "ABC123", "AliceRenamed", "10.0.0.2:28960")
	if err != nil {
		t.Fatalf("ResolveOrCreate again: %v", err)
	}
	if again.PlayerID != id.PlayerID {
		t.Errorf("player id changed: %d -> %d", id.PlayerID, again.PlayerID)
	}
	if again.Name != "AliceRenamed" {
		t.Errorf("name = %q, want AliceRenamed", again.Name)
	}

	// level set out of band survives a resolve
	if err := s.SetLevel(ctx, id.PlayerID, 3); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	third, err := s.ResolveOrCreate(ctx, "ABC123", "AliceRenamed", "10.0.0.2:28960")
	if err != nil {
		t.Fatalf("ResolveOrCreate third: %v", err)
	}
	if third.Level != 3 {
		t.Errorf("level = %d, want 3", third.Level)
	}
}

func TestGetByGUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetByGUID(ctx, "missing")
	if err != nil {
		t.Fatalf("GetByGUID: %v", err)
	}
	if got != nil {
		t.Errorf("unknown guid returned %+v", got)
	}

	created, _ := s.ResolveOrCreate(ctx, "ABC123", "Alice", "")
	got, err = s.GetByGUID(ctx, "ABC123")
	if err != nil {
		t.Fatalf("GetByGUID: %v", err)
	}
	if got == nil || got.PlayerID != created.PlayerID {
		t.Errorf("GetByGUID = %+v, want id %d", got, created.PlayerID)
	}
}

func TestPlayerMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.ResolveOrCreate(ctx, "ABC123", "Alice", "")

	v, err := s.GetMeta(ctx, id.PlayerID, "greeting")
	if err != nil {
		t.Fatalf("GetMeta unset: %v", err)
	}
	if v != "" {
		t.Errorf("unset meta = %q, want empty", v)
	}

	if err := s.SetMeta(ctx, id.PlayerID, "greeting", "welcome back"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := s.SetMeta(ctx, id.PlayerID, "greeting", "o7"); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}
	v, err = s.GetMeta(ctx, id.PlayerID, "greeting")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if v != "o7" {
		t.Errorf("meta = %q, want o7", v)
	}
}

func TestPenaltyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issued := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	err := s.RecordPenalty(ctx, domain.Penalty{
		Type:       domain.PenaltyTempBan,
		ServerID:   1,
		PlayerGUID: "ABC123",
		PlayerName: "Mallory",
		Origin:     "admin:ernie",
		Reason:     "griefing",
		Duration:   48 * time.Hour,
		IssuedAt:   issued,
	})
	if err != nil {
		t.Fatalf("RecordPenalty: %v", err)
	}

	got, err := s.PenaltiesForGUID(ctx, "ABC123", 10)
	if err != nil {
		t.Fatalf("PenaltiesForGUID: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("penalties = %d, want 1", len(got))
	}
	p := got[0]
	if p.Type != domain.PenaltyTempBan || p.Duration != 48*time.Hour || !p.IssuedAt.Equal(issued) {
		t.Errorf("penalty = %+v", p)
	}
	if p.Origin != "admin:ernie" || p.Reason != "griefing" {
		t.Errorf("penalty origin/reason = %q/%q", p.Origin, p.Reason)
	}
}

func TestActiveBan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// expired tempban does not bar
	s.RecordPenalty(ctx, domain.Penalty{
		Type: domain.PenaltyTempBan, PlayerGUID: "A", PlayerName: "a",
		Origin: domain.OriginConsole, Duration: time.Hour,
		IssuedAt: time.Now().Add(-2 * time.Hour),
	})
	if ban, err := s.ActiveBan(ctx, "A"); err != nil || ban != nil {
		t.Errorf("expired tempban active: %+v, err %v", ban, err)
	}

	// running tempban bars
	s.RecordPenalty(ctx, domain.Penalty{
		Type: domain.PenaltyTempBan, PlayerGUID: "B", PlayerName: "b",
		Origin: domain.OriginConsole, Duration: 24 * time.Hour,
		IssuedAt: time.Now().Add(-time.Hour),
	})
	if ban, err := s.ActiveBan(ctx, "B"); err != nil || ban == nil {
		t.Errorf("running tempban not active: err %v", err)
	}

	// permanent ban always bars
	s.RecordPenalty(ctx, domain.Penalty{
		Type: domain.PenaltyBan, PlayerGUID: "C", PlayerName: "c",
		Origin: domain.OriginConsole, IssuedAt: time.Now().Add(-365 * 24 * time.Hour),
	})
	if ban, err := s.ActiveBan(ctx, "C"); err != nil || ban == nil {
		t.Errorf("permanent ban not active: err %v", err)
	}

	// kicks never bar
	s.RecordPenalty(ctx, domain.Penalty{
		Type: domain.PenaltyKick, PlayerGUID: "D", PlayerName: "d",
		Origin: domain.OriginConsole, IssuedAt: time.Now(),
	})
	if ban, err := s.ActiveBan(ctx, "D"); err != nil || ban != nil {
		t.Errorf("kick treated as ban: %+v, err %v", ban, err)
	}
}

func TestConnectionLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordConnect(ctx, 1, "ABC123", "Alice", "10.0.0.1:28960"); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if err := s.RecordDisconnect(ctx, 1, "ABC123", "Alice"); err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}
}

func TestSearchPlayers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.ResolveOrCreate(ctx, "A1", "Alice", "")
	s.ResolveOrCreate(ctx, "A2", "Alistair", "")
	s.ResolveOrCreate(ctx, "B1", "Bob", "")

	got, err := s.SearchPlayers(ctx, "Ali", 10)
	if err != nil {
		t.Fatalf("SearchPlayers: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("name search matched %d players, want 2", len(got))
	}

	got, err = s.SearchPlayers(ctx, "B1", 10)
	if err != nil {
		t.Fatalf("SearchPlayers by guid: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Bob" {
		t.Errorf("guid search = %+v", got)
	}
}
