package guard

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/warden/internal/domain"
)

// GUIDState tracks how a player's GUID was established
type GUIDState int

const (
	GUIDUnconfirmed GUIDState = iota
	GUIDSlotMatch             // re-query matched by slot number
	GUIDNameMatch             // re-query matched by display name
	GUIDSynthesized           // hashed from name+address+slot
)

func (s GUIDState) String() string {
	switch s {
	case GUIDSlotMatch:
		return "slot-match"
	case GUIDNameMatch:
		return "name-match"
	case GUIDSynthesized:
		return "synthesized"
	default:
		return "unconfirmed"
	}
}

// NoGUID is the sentinel some engines report while a client's GUID is not
// yet known
const NoGUID = "0"

func hasGUID(guid string) bool {
	return guid != "" && guid != NoGUID
}

// Player represents one occupied client slot on a managed server
type Player struct {
	Slot      int
	GUID      string
	GUIDState GUIDState
	Name      string
	CleanName string
	Address   string
	Level     int
	PlayerID  int64 // persisted directory ID, 0 when the directory call failed
	Online    bool

	ConnectedAt time.Time
	LastSeen    time.Time
	Session     map[string]string

	inst *Instance
}

func newPlayer(inst *Instance, slot domain.SlotStatus) *Player {
	now := time.Now().UTC()
	return &Player{
		Slot:        slot.Slot,
		GUID:        slot.GUID,
		Name:        slot.Name,
		CleanName:   domain.CleanName(slot.Name),
		Address:     slot.Address,
		Online:      true,
		ConnectedAt: now,
		LastSeen:    now,
		Session:     make(map[string]string),
		inst:        inst,
	}
}

// Confirmed reports whether the GUID came from the server rather than
// local synthesis
func (p *Player) Confirmed() bool {
	return p.GUIDState == GUIDSlotMatch || p.GUIDState == GUIDNameMatch
}

// resolveGUID establishes a usable GUID. Slot match is preferred because
// names can collide; name match covers servers that renumber slots; when
// both fail, a stable pseudo-GUID is synthesized so the entity always has
// a key.
func (p *Player) resolveGUID(ctx context.Context) {
	if hasGUID(p.GUID) {
		p.GUIDState = GUIDSlotMatch
		return
	}

	if status, err := p.requery(ctx); err == nil {
		if s := status.SlotByNumber(p.Slot); s != nil && hasGUID(s.GUID) {
			p.GUID = s.GUID
			p.GUIDState = GUIDSlotMatch
			return
		}
		for i := range status.Slots {
			s := &status.Slots[i]
			if hasGUID(s.GUID) && strings.EqualFold(s.CleanName, p.CleanName) {
				p.GUID = s.GUID
				p.GUIDState = GUIDNameMatch
				return
			}
		}
	}

	p.GUID = synthesizeGUID(p.CleanName, p.Address, p.Slot)
	p.GUIDState = GUIDSynthesized
	log.Printf("guard: synthesized guid %s for %s (slot %d on %s)",
		p.GUID, p.CleanName, p.Slot, p.inst.cfg.Name)
}

func (p *Player) requery(ctx context.Context) (*domain.GameStatus, error) {
	c := p.inst.commander()
	if c == nil {
		return nil, fmt.Errorf("no rcon connection")
	}
	return c.Status(ctx)
}

// synthesizeGUID derives a stable pseudo-GUID from the fields that identify
// a connection. Deterministic: the same player reconnecting to the same
// slot from the same address gets the same key.
func synthesizeGUID(cleanName, address string, slot int) string {
	seed := fmt.Sprintf("%s|%s|%d", cleanName, address, slot)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// build resolves the persisted identity through the player directory. A
// directory failure leaves the entity partially built (no PlayerID), which
// is acceptable: moderation and rcon still work from in-memory state.
func (p *Player) build(ctx context.Context) {
	identity, err := p.inst.directory().ResolveOrCreate(ctx, p.GUID, p.CleanName, p.Address)
	if err != nil {
		log.Printf("guard: directory lookup failed for %s (%s): %v", p.CleanName, p.GUID, err)
		return
	}
	p.PlayerID = identity.PlayerID
	p.Level = identity.Level
}

// GetMeta reads a named value from the player's directory record. Empty
// when the key is unset or the entity was never built.
func (p *Player) GetMeta(ctx context.Context, key string) (string, error) {
	if p.PlayerID == 0 {
		return "", fmt.Errorf("player %s has no directory record", p.CleanName)
	}
	return p.inst.directory().GetMeta(ctx, p.PlayerID, key)
}

// SetMeta stores a named value on the player's directory record
func (p *Player) SetMeta(ctx context.Context, key, value string) error {
	if p.PlayerID == 0 {
		return fmt.Errorf("player %s has no directory record", p.CleanName)
	}
	return p.inst.directory().SetMeta(ctx, p.PlayerID, key, value)
}

// playerIDPtr returns the persisted ID for event payloads, nil when unbuilt
func (p *Player) playerIDPtr() *int64 {
	if p.PlayerID > 0 {
		id := p.PlayerID
		return &id
	}
	return nil
}

// Kick records the penalty, issues the rcon kick and removes the entity
// from the slot table immediately; the next poll would otherwise race the
// server's own teardown. The rcon failure, if any, is returned after the
// local work is done.
func (p *Player) Kick(ctx context.Context, origin, reason string) error {
	p.penalize(ctx, domain.PenaltyKick, origin, reason, 0)
	return p.eject(ctx, origin, reason)
}

// Ban is a kick whose penalty record is permanent. Enforcement of the ban
// on reconnect belongs to the penalty ledger's owner, not this process.
func (p *Player) Ban(ctx context.Context, origin, reason string) error {
	p.penalize(ctx, domain.PenaltyBan, origin, reason, 0)
	return p.eject(ctx, origin, reason)
}

// TempBan is a kick with a penalty record that expires after duration
func (p *Player) TempBan(ctx context.Context, origin, reason string, duration time.Duration) error {
	p.penalize(ctx, domain.PenaltyTempBan, origin, reason, duration)
	return p.eject(ctx, origin, reason)
}

// eject issues the rcon kick and tears down the local entity. The local
// work always happens; the rcon error only reports whether the server
// acknowledged the kick.
func (p *Player) eject(ctx context.Context, origin, reason string) error {
	var err error
	if c := p.inst.commander(); c != nil {
		err = c.Kick(ctx, fmt.Sprintf("%d", p.Slot), formatReason(reason, origin))
	} else {
		err = fmt.Errorf("no rcon connection")
	}
	p.Disconnect(ctx)
	return err
}

// Report records a complaint without disconnecting anyone
func (p *Player) Report(ctx context.Context, origin, reason string) {
	p.penalize(ctx, domain.PenaltyReport, origin, reason, 0)
	p.inst.emit(domain.EventReport, domain.PenaltyEvent{Penalty: domain.Penalty{
		Type:       domain.PenaltyReport,
		ServerID:   p.inst.cfg.ID,
		PlayerGUID: p.GUID,
		PlayerName: p.CleanName,
		Origin:     origin,
		Reason:     reason,
		IssuedAt:   time.Now().UTC(),
	}})
}

// Tell sends a private message, chunked by the client. Returns false
// without error when the instance has no working rcon connection.
func (p *Player) Tell(ctx context.Context, message string) bool {
	c := p.inst.commander()
	if c == nil || !c.Ready() {
		return false
	}
	if err := c.Tell(ctx, p.Slot, message); err != nil {
		log.Printf("guard: tell to %s slot %d failed: %v", p.inst.cfg.Name, p.Slot, err)
		return false
	}
	return true
}

// Disconnect marks the player offline, records the fact and clears the
// slot table entry. Idempotent: a second call is a no-op, even when an
// operator kick races a poll-tick departure.
func (p *Player) Disconnect(ctx context.Context) {
	p.inst.mu.Lock()
	if !p.Online {
		p.inst.mu.Unlock()
		return
	}
	p.Online = false
	p.LastSeen = time.Now().UTC()
	p.inst.mu.Unlock()

	if err := p.inst.ledger().RecordDisconnect(ctx, p.inst.cfg.ID, p.GUID, p.CleanName); err != nil {
		log.Printf("guard: recording disconnect for %s: %v", p.CleanName, err)
	}

	p.inst.dropSlot(p.Slot, p)
	p.inst.emit(domain.EventPlayerDisconnect, domain.PlayerDisconnectEvent{
		Slot:     p.Slot,
		Name:     p.CleanName,
		GUID:     p.GUID,
		PlayerID: p.playerIDPtr(),
	})
}

// penalize hands the structured record to the ledger; a ledger failure is
// logged and absorbed
func (p *Player) penalize(ctx context.Context, typ domain.PenaltyType, origin, reason string, duration time.Duration) {
	penalty := domain.Penalty{
		Type:       typ,
		ServerID:   p.inst.cfg.ID,
		PlayerGUID: p.GUID,
		PlayerName: p.CleanName,
		Origin:     origin,
		Reason:     reason,
		Duration:   duration,
		IssuedAt:   time.Now().UTC(),
	}
	if err := p.inst.ledger().RecordPenalty(ctx, penalty); err != nil {
		log.Printf("guard: recording %s for %s: %v", typ, p.CleanName, err)
	}
	if typ != domain.PenaltyReport {
		p.inst.emit(domain.EventPenalty, domain.PenaltyEvent{Penalty: penalty})
	}
}

func formatReason(reason, origin string) string {
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("%s (%s)", reason, origin)
}
