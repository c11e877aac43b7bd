package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ernie/warden/internal/domain"
)

type fakeCommander struct {
	mu          sync.Mutex
	status      *domain.GameStatus
	statusErr   error
	statusCalls int
	kickErr     error
	kicks       []string
	says        []string
	tells       []string
	ready       bool
	closed      bool
}

func (f *fakeCommander) Status(ctx context.Context) (*domain.GameStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeCommander) GetCvar(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeCommander) SetCvar(ctx context.Context, name, value string) error { return nil }

func (f *fakeCommander) Say(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.says = append(f.says, message)
	return nil
}

func (f *fakeCommander) Tell(ctx context.Context, slot int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tells = append(f.tells, fmt.Sprintf("%d:%s", slot, message))
	return nil
}

func (f *fakeCommander) Kick(ctx context.Context, target, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, target)
	return f.kickErr
}

func (f *fakeCommander) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeCommander) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCommander) setStatus(s *domain.GameStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
	f.statusErr = err
}

type fakeDirectory struct {
	mu     sync.Mutex
	nextID int64
	byGUID map[string]domain.Identity
	err    error
	meta   map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{byGUID: make(map[string]domain.Identity), meta: make(map[string]string)}
}

func (f *fakeDirectory) ResolveOrCreate(ctx context.Context, guid, name, address string) (domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Identity{}, f.err
	}
	if id, ok := f.byGUID[guid]; ok {
		id.Name = name
		f.byGUID[guid] = id
		return id, nil
	}
	f.nextID++
	id := domain.Identity{PlayerID: f.nextID, GUID: guid, Name: name}
	f.byGUID[guid] = id
	return id, nil
}

func (f *fakeDirectory) GetMeta(ctx context.Context, playerID int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta[fmt.Sprintf("%d/%s", playerID, key)], nil
}

func (f *fakeDirectory) SetMeta(ctx context.Context, playerID int64, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[fmt.Sprintf("%d/%s", playerID, key)] = value
	return nil
}

type fakeLedger struct {
	mu          sync.Mutex
	penalties   []domain.Penalty
	connects    []string
	disconnects []string
	err         error
}

func (f *fakeLedger) RecordPenalty(ctx context.Context, p domain.Penalty) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.penalties = append(f.penalties, p)
	return nil
}

func (f *fakeLedger) RecordConnect(ctx context.Context, serverID int64, guid, name, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.connects = append(f.connects, guid)
	return nil
}

func (f *fakeLedger) RecordDisconnect(ctx context.Context, serverID int64, guid, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.disconnects = append(f.disconnects, guid)
	return nil
}

func newTestInstance(fc *fakeCommander) (*Instance, *fakeDirectory, *fakeLedger) {
	dir := newFakeDirectory()
	led := &fakeLedger{}
	inst := NewInstance(Config{
		ID:           1,
		Name:         "test-server",
		Host:         "127.0.0.1",
		RconPort:     28960,
		Dialect:      "cod",
		PollInterval: time.Hour, // ticks driven manually in tests
	}, func() (Commander, error) { return fc, nil }, dir, led)
	inst.client = fc
	return inst, dir, led
}

func slotEntry(n int, name, guid string) domain.SlotStatus {
	return domain.SlotStatus{
		Slot:      n,
		Name:      name,
		CleanName: domain.CleanName(name),
		GUID:      guid,
		Address:   fmt.Sprintf("10.0.0.%d:28960", n+1),
		Ping:      40,
	}
}

func statusOf(slots ...domain.SlotStatus) *domain.GameStatus {
	return &domain.GameStatus{Map: "mp_crash", Slots: slots, RetrievedAt: time.Now().UTC()}
}

// drainEvents collects the queued events of one type, putting the others
// back so later assertions on a different type still see them.
func drainEvents(inst *Instance, typ string) []domain.Event {
	var out, rest []domain.Event
	for {
		select {
		case ev := <-inst.events:
			if ev.Type == typ {
				out = append(out, ev)
			} else {
				rest = append(rest, ev)
			}
		default:
			for _, ev := range rest {
				inst.events <- ev
			}
			return out
		}
	}
}

func TestReconcileCreatesAndRemovesPlayers(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, led := newTestInstance(fc)
	ctx := context.Background()

	full := statusOf(
		slotEntry(0, "^1Alice", "aaaa1111"),
		slotEntry(1, "Bob", "bbbb2222"),
	)
	inst.reconcile(ctx, full)

	if got := inst.PlayerCount(); got != 2 {
		t.Fatalf("player count = %d, want 2", got)
	}
	if got := len(drainEvents(inst, domain.EventPlayerConnect)); got != 2 {
		t.Fatalf("connect events = %d, want 2", got)
	}
	p, ok := inst.FindPlayer("Alice")
	if !ok {
		t.Fatal("Alice not tracked")
	}
	if p.GUID != "aaaa1111" || p.GUIDState != GUIDSlotMatch {
		t.Errorf("Alice guid = %q state %s, want aaaa1111 slot-match", p.GUID, p.GUIDState)
	}
	if p.Name != "^1Alice" || p.CleanName != "Alice" {
		t.Errorf("Alice names = %q/%q", p.Name, p.CleanName)
	}

	// same snapshot again: nothing changes
	inst.reconcile(ctx, full)
	if got := inst.PlayerCount(); got != 2 {
		t.Fatalf("player count after repeat = %d, want 2", got)
	}
	if got := len(drainEvents(inst, domain.EventPlayerConnect)); got != 0 {
		t.Fatalf("repeat snapshot produced %d connect events, want 0", got)
	}

	// Bob leaves
	inst.reconcile(ctx, statusOf(slotEntry(0, "^1Alice", "aaaa1111")))
	if got := inst.PlayerCount(); got != 1 {
		t.Fatalf("player count after departure = %d, want 1", got)
	}
	dis := drainEvents(inst, domain.EventPlayerDisconnect)
	if len(dis) != 1 {
		t.Fatalf("disconnect events = %d, want 1", len(dis))
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	if len(led.connects) != 2 || len(led.disconnects) != 1 {
		t.Errorf("ledger connects/disconnects = %d/%d, want 2/1", len(led.connects), len(led.disconnects))
	}
}

func TestReconcileSlotReuse(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)
	ctx := context.Background()

	inst.reconcile(ctx, statusOf(slotEntry(0, "Alice", "aaaa1111")))
	drainEvents(inst, domain.EventPlayerConnect)

	// same slot, different occupant: old entity out, new one in
	inst.reconcile(ctx, statusOf(slotEntry(0, "Carol", "cccc3333")))

	if got := inst.PlayerCount(); got != 1 {
		t.Fatalf("player count = %d, want 1", got)
	}
	if _, ok := inst.FindPlayer("Alice"); ok {
		t.Error("Alice still tracked after slot reuse")
	}
	p, ok := inst.FindPlayer("Carol")
	if !ok || p.GUID != "cccc3333" {
		t.Fatalf("Carol not tracked correctly: %+v", p)
	}
	if got := len(drainEvents(inst, domain.EventPlayerDisconnect)); got != 1 {
		t.Errorf("disconnect events = %d, want 1", got)
	}
}

func TestReconcileIgnoresPlaceholderSlots(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)

	inst.reconcile(context.Background(), statusOf(
		slotEntry(0, "Alice", "aaaa1111"),
		slotEntry(1, "", "0"),
		slotEntry(2, "^1^2", "0"), // nothing but color codes
	))

	if got := inst.PlayerCount(); got != 1 {
		t.Fatalf("player count = %d, want 1", got)
	}
}

func TestGUIDResolutionViaRequery(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)
	ctx := context.Background()

	// initial snapshot reports the not-yet-known sentinel for slot 3; the
	// re-query comes back with the real GUID
	fc.setStatus(statusOf(slotEntry(3, "Alice", "ABC123")), nil)
	inst.reconcile(ctx, statusOf(slotEntry(3, "Alice", "0")))

	p, ok := inst.FindPlayer("3")
	if !ok {
		t.Fatal("slot 3 not tracked")
	}
	if p.GUID != "ABC123" {
		t.Errorf("guid = %q, want ABC123", p.GUID)
	}
	if p.GUIDState != GUIDSlotMatch {
		t.Errorf("guid state = %s, want slot-match", p.GUIDState)
	}

	// subsequent snapshots with the confirmed GUID cause no churn
	inst.reconcile(ctx, statusOf(slotEntry(3, "Alice", "ABC123")))
	if got := inst.PlayerCount(); got != 1 {
		t.Fatalf("player count = %d, want 1", got)
	}

	// departure fires exactly once
	drainEvents(inst, domain.EventPlayerDisconnect)
	inst.reconcile(ctx, statusOf())
	inst.reconcile(ctx, statusOf())
	if got := len(drainEvents(inst, domain.EventPlayerDisconnect)); got != 1 {
		t.Errorf("disconnect events = %d, want 1", got)
	}
}

func TestGUIDResolutionNameMatch(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)

	// re-query shows the same name under a different slot number
	fc.setStatus(statusOf(slotEntry(7, "^3Alice", "DEF456")), nil)
	inst.reconcile(context.Background(), statusOf(slotEntry(3, "Alice", "0")))

	p, ok := inst.FindPlayer("Alice")
	if !ok {
		t.Fatal("Alice not tracked")
	}
	if p.GUID != "DEF456" || p.GUIDState != GUIDNameMatch {
		t.Errorf("guid = %q state %s, want DEF456 name-match", p.GUID, p.GUIDState)
	}
}

func TestGUIDSynthesisIsDeterministic(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)

	// re-query never produces a GUID either
	fc.setStatus(statusOf(slotEntry(3, "Alice", "0")), nil)
	inst.reconcile(context.Background(), statusOf(slotEntry(3, "Alice", "0")))

	p, ok := inst.FindPlayer("Alice")
	if !ok {
		t.Fatal("Alice not tracked")
	}
	if p.GUIDState != GUIDSynthesized {
		t.Fatalf("guid state = %s, want synthesized", p.GUIDState)
	}
	if p.GUID == "" || p.GUID == NoGUID {
		t.Fatalf("synthesized guid is empty: %q", p.GUID)
	}
	if again := synthesizeGUID(p.CleanName, p.Address, p.Slot); again != p.GUID {
		t.Errorf("synthesis not stable: %q vs %q", p.GUID, again)
	}
	if other := synthesizeGUID(p.CleanName, p.Address, p.Slot+1); other == p.GUID {
		t.Error("different slot produced the same synthesized guid")
	}
}

func TestPollFailureKeepsPlayers(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)
	ctx := context.Background()

	fc.setStatus(statusOf(slotEntry(0, "Alice", "aaaa1111")), nil)
	inst.pollTick(ctx)
	if inst.State() != domain.StateOnline {
		t.Fatalf("state = %s, want online", inst.State())
	}
	if got := inst.PlayerCount(); got != 1 {
		t.Fatalf("player count = %d, want 1", got)
	}

	fc.setStatus(nil, errors.New("i/o timeout"))
	inst.pollTick(ctx)
	if inst.State() != domain.StateError {
		t.Errorf("state after failed poll = %s, want error", inst.State())
	}
	if got := inst.PlayerCount(); got != 1 {
		t.Errorf("failed poll dropped players: count = %d, want 1", got)
	}

	fc.setStatus(statusOf(slotEntry(0, "Alice", "aaaa1111")), nil)
	inst.pollTick(ctx)
	if inst.State() != domain.StateOnline {
		t.Errorf("state after recovery = %s, want online", inst.State())
	}
}

func TestPollTicksDoNotOverlap(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)

	inst.polling.Store(true) // simulate a tick still in flight
	fc.setStatus(statusOf(slotEntry(0, "Alice", "aaaa1111")), nil)
	inst.pollTick(context.Background())

	fc.mu.Lock()
	calls := fc.statusCalls
	fc.mu.Unlock()
	if calls != 0 {
		t.Errorf("overlapping tick reached the server: %d status calls", calls)
	}
	if got := inst.PlayerCount(); got != 0 {
		t.Errorf("overlapping tick mutated state: %d players", got)
	}
}

func TestStopDisconnectsEveryone(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, led := newTestInstance(fc)
	ctx := context.Background()

	fc.setStatus(statusOf(slotEntry(0, "Alice", "aaaa1111"), slotEntry(1, "Bob", "bbbb2222")), nil)
	if err := inst.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !inst.IsRunning() {
		t.Fatal("not running after Start")
	}

	// let the initial tick land
	deadline := time.Now().Add(2 * time.Second)
	for inst.PlayerCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("initial tick never tracked players: count = %d", inst.PlayerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	inst.Stop(ctx)
	if inst.IsRunning() {
		t.Error("still running after Stop")
	}
	if inst.State() != domain.StateOffline {
		t.Errorf("state = %s, want offline", inst.State())
	}
	if got := inst.PlayerCount(); got != 0 {
		t.Errorf("players still tracked after Stop: %d", got)
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	if len(led.disconnects) != 2 {
		t.Errorf("ledger disconnects = %d, want 2", len(led.disconnects))
	}
}

func TestStartFailsWhenUnreachable(t *testing.T) {
	fc := &fakeCommander{ready: true, statusErr: errors.New("connection refused")}
	inst, _, _ := newTestInstance(fc)

	if err := inst.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against an unreachable server")
	}
	if inst.State() != domain.StateError {
		t.Errorf("state = %s, want error", inst.State())
	}
	if inst.IsRunning() {
		t.Error("poll loop armed despite failed probe")
	}
}

func TestSnapshotCounters(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)
	ctx := context.Background()

	inst.reconcile(ctx, statusOf(slotEntry(0, "Alice", "aaaa1111"), slotEntry(1, "Bob", "bbbb2222")))
	inst.reconcile(ctx, statusOf(slotEntry(0, "Alice", "aaaa1111")))
	inst.reconcile(ctx, statusOf(slotEntry(0, "Alice", "aaaa1111"), slotEntry(2, "Carol", "cccc3333")))

	snap := inst.Snapshot()
	if snap.PlayerCount != 2 {
		t.Errorf("snapshot player count = %d, want 2", snap.PlayerCount)
	}
	if snap.PeakPlayers != 2 {
		t.Errorf("snapshot peak = %d, want 2", snap.PeakPlayers)
	}
	if snap.Connections != 3 {
		t.Errorf("snapshot connections = %d, want 3", snap.Connections)
	}
	if snap.Map != "mp_crash" {
		t.Errorf("snapshot map = %q, want mp_crash", snap.Map)
	}
}

func TestFindPlayerBySlotAndName(t *testing.T) {
	fc := &fakeCommander{ready: true}
	inst, _, _ := newTestInstance(fc)

	inst.reconcile(context.Background(), statusOf(slotEntry(4, "^1Al^2ice", "aaaa1111")))

	if p, ok := inst.FindPlayer("4"); !ok || p.Slot != 4 {
		t.Error("lookup by slot number failed")
	}
	if p, ok := inst.FindPlayer("alice"); !ok || p.Slot != 4 {
		t.Error("case-insensitive clean-name lookup failed")
	}
	if _, ok := inst.FindPlayer("mallory"); ok {
		t.Error("lookup of unknown name succeeded")
	}
}
