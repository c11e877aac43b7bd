package guard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ernie/warden/internal/domain"
)

// Config is the connection and polling configuration for one managed server
type Config struct {
	ID           int64
	Name         string
	Host         string
	Port         int // query port
	RconPort     int
	Password     string
	Dialect      string
	PollInterval time.Duration
}

// DialFunc creates a Commander for an instance. Called at start and again
// whenever the previous transport stopped being ready.
type DialFunc func() (Commander, error)

// Instance owns the lifecycle of one managed server: it probes
// reachability, runs the periodic reconciliation loop, maintains the slot
// table and hands out moderation entry points.
type Instance struct {
	cfg  Config
	dial DialFunc
	dir  Directory
	led  Ledger

	mu          sync.RWMutex
	client      Commander
	state       domain.InstanceState
	slots       map[int]*Player
	total       int64 // connections observed since start
	peak        int
	onlineSince time.Time
	lastStatus  *domain.GameStatus
	stopped     bool

	events  chan domain.Event
	done    chan struct{}
	wg      sync.WaitGroup
	polling atomic.Bool
}

// NewInstance wires an instance to its collaborators. Nothing touches the
// network until Start.
func NewInstance(cfg Config, dial DialFunc, dir Directory, led Ledger) *Instance {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Instance{
		cfg:    cfg,
		dial:   dial,
		dir:    dir,
		led:    led,
		state:  domain.StateOffline,
		slots:  make(map[int]*Player),
		events: make(chan domain.Event, 100),
	}
}

// Config returns the instance configuration
func (i *Instance) Config() Config { return i.cfg }

// Events returns the outbound reconciliation event channel
func (i *Instance) Events() <-chan domain.Event { return i.events }

// State returns the current lifecycle state
func (i *Instance) State() domain.InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// IsRunning reports whether the poll loop is armed
func (i *Instance) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.done != nil && !i.stopped
}

// Start probes rcon reachability with one status call; on success it
// transitions to Online and arms the periodic poll. On failure it
// transitions to Error and returns; the caller decides when to retry.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.done != nil && !i.stopped {
		i.mu.Unlock()
		return fmt.Errorf("instance %s already started", i.cfg.Name)
	}
	i.stopped = false
	i.mu.Unlock()

	client, err := i.ensureClient()
	if err != nil {
		i.setState(domain.StateError)
		return fmt.Errorf("connecting to %s: %w", i.cfg.Name, err)
	}

	status, err := client.Status(ctx)
	if err != nil {
		i.setState(domain.StateError)
		return fmt.Errorf("connectivity probe for %s: %w", i.cfg.Name, err)
	}

	i.mu.Lock()
	i.lastStatus = status
	i.onlineSince = time.Now().UTC()
	i.total = 0
	i.peak = 0
	i.done = make(chan struct{})
	i.mu.Unlock()
	i.setState(domain.StateOnline)

	i.wg.Add(1)
	go i.pollLoop()

	log.Printf("guard: %s online (%s:%d, dialect %s)", i.cfg.Name, i.cfg.Host, i.cfg.RconPort, i.cfg.Dialect)
	return nil
}

// Stop cancels the poll schedule, disconnects all tracked players and
// marks the instance Offline. An in-flight poll is abandoned, not awaited;
// in-flight operator commands complete or time out on their own terms.
func (i *Instance) Stop(ctx context.Context) {
	i.mu.Lock()
	if i.stopped || i.done == nil {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	close(i.done)
	players := i.playersLocked()
	i.mu.Unlock()

	for _, p := range players {
		p.Disconnect(ctx)
	}
	i.setState(domain.StateOffline)
	log.Printf("guard: %s stopped", i.cfg.Name)
}

// Close stops the instance and tears down its rcon transport
func (i *Instance) Close(ctx context.Context) {
	i.Stop(ctx)
	i.mu.Lock()
	client := i.client
	i.client = nil
	i.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// Restart is a stop followed by a fresh start probe
func (i *Instance) Restart(ctx context.Context) error {
	i.Stop(ctx)
	return i.Start(ctx)
}

// Broadcast says a message to everyone on this server
func (i *Instance) Broadcast(ctx context.Context, message string) error {
	c := i.commander()
	if c == nil || !c.Ready() {
		return fmt.Errorf("%s: no rcon connection", i.cfg.Name)
	}
	return c.Say(ctx, message)
}

// Players returns the tracked players ordered by slot number
func (i *Instance) Players() []*Player {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.playersLocked()
}

func (i *Instance) playersLocked() []*Player {
	players := make([]*Player, 0, len(i.slots))
	for _, p := range i.slots {
		players = append(players, p)
	}
	sort.Slice(players, func(a, b int) bool { return players[a].Slot < players[b].Slot })
	return players
}

// PlayerCount returns the number of tracked players
func (i *Instance) PlayerCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.slots)
}

// FindPlayer locates a tracked player by slot number or case-insensitive
// name
func (i *Instance) FindPlayer(identifier string) (*Player, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if slot, err := strconv.Atoi(identifier); err == nil {
		p, ok := i.slots[slot]
		return p, ok
	}
	clean := domain.CleanName(identifier)
	for _, p := range i.slots {
		if strings.EqualFold(p.CleanName, clean) {
			return p, true
		}
	}
	return nil, false
}

// Status returns the last polled status, or a forced fresh query when
// refresh is set
func (i *Instance) Status(ctx context.Context, refresh bool) (*domain.GameStatus, error) {
	if !refresh {
		i.mu.RLock()
		cached := i.lastStatus
		i.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
	}

	c := i.commander()
	if c == nil {
		return nil, fmt.Errorf("%s: no rcon connection", i.cfg.Name)
	}
	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	i.lastStatus = status
	i.mu.Unlock()
	return status, nil
}

// Snapshot summarizes the instance for status reporting
func (i *Instance) Snapshot() domain.InstanceSnapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	snap := domain.InstanceSnapshot{
		ServerID:    i.cfg.ID,
		Name:        i.cfg.Name,
		State:       i.state,
		PlayerCount: len(i.slots),
		PeakPlayers: i.peak,
		Connections: i.total,
	}
	if i.lastStatus != nil {
		snap.Map = i.lastStatus.Map
		snap.LastUpdated = i.lastStatus.RetrievedAt
	}
	if i.state == domain.StateOnline && !i.onlineSince.IsZero() {
		snap.Uptime = time.Since(i.onlineSince)
	}
	return snap
}

// pollLoop drives the reconciliation ticks until Stop
func (i *Instance) pollLoop() {
	defer i.wg.Done()
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	i.mu.RLock()
	done := i.done
	i.mu.RUnlock()

	i.pollTick(context.Background())
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			i.pollTick(context.Background())
		}
	}
}

// pollTick runs one reconciliation pass. Ticks never overlap for the same
// instance: when the previous tick is still running the new one is skipped
// rather than queued.
func (i *Instance) pollTick(ctx context.Context) {
	if !i.polling.CompareAndSwap(false, true) {
		log.Printf("guard: %s poll still running, skipping tick", i.cfg.Name)
		return
	}
	defer i.polling.Store(false)

	c := i.commander()
	if c == nil || !c.Ready() {
		if err := i.reconnect(); err != nil {
			log.Printf("guard: %s reconnect failed: %v", i.cfg.Name, err)
			i.setState(domain.StateError)
			return
		}
		c = i.commander()
	}

	status, err := c.Status(ctx)
	if err != nil {
		// Transient network failure: report Error but keep the slot table;
		// tearing players down here would fabricate disconnects.
		log.Printf("guard: %s poll failed: %v", i.cfg.Name, err)
		i.setState(domain.StateError)
		return
	}

	i.setState(domain.StateOnline)
	i.reconcile(ctx, status)
}

// reconcile diffs a status snapshot against the slot table and applies the
// create/update/remove transitions.
func (i *Instance) reconcile(ctx context.Context, status *domain.GameStatus) {
	now := time.Now().UTC()

	reported := make(map[int]*domain.SlotStatus, len(status.Slots))
	for idx := range status.Slots {
		s := &status.Slots[idx]
		if domain.CleanName(s.Name) == "" {
			continue // placeholder slot, not a connection yet
		}
		reported[s.Slot] = s
	}

	// departures: tracked slots now absent, or occupied by someone else
	i.mu.Lock()
	i.lastStatus = status
	var gone []*Player
	for slot, p := range i.slots {
		s, ok := reported[slot]
		if !ok || !strings.EqualFold(domain.CleanName(s.Name), p.CleanName) {
			gone = append(gone, p)
		}
	}
	i.mu.Unlock()

	for _, p := range gone {
		p.Disconnect(ctx)
	}

	// arrivals: reported slots not tracked with a matching name
	for slot, s := range reported {
		i.mu.Lock()
		if i.stopped {
			i.mu.Unlock()
			return
		}
		existing, tracked := i.slots[slot]
		if tracked && strings.EqualFold(existing.CleanName, domain.CleanName(s.Name)) {
			existing.LastSeen = now
			i.mu.Unlock()
			continue
		}
		i.mu.Unlock()

		p := newPlayer(i, *s)
		p.resolveGUID(ctx)
		p.build(ctx)

		i.mu.Lock()
		if i.stopped {
			i.mu.Unlock()
			return
		}
		i.slots[slot] = p
		i.total++
		if len(i.slots) > i.peak {
			i.peak = len(i.slots)
		}
		i.mu.Unlock()

		if err := i.led.RecordConnect(ctx, i.cfg.ID, p.GUID, p.CleanName, p.Address); err != nil {
			log.Printf("guard: recording connect for %s: %v", p.CleanName, err)
		}
		i.emit(domain.EventPlayerConnect, domain.PlayerConnectEvent{
			Slot:     p.Slot,
			Name:     p.CleanName,
			GUID:     p.GUID,
			Address:  p.Address,
			PlayerID: p.playerIDPtr(),
		})
	}
}

// ensureClient returns a ready commander, dialing a fresh one if needed
func (i *Instance) ensureClient() (Commander, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil && i.client.Ready() {
		return i.client, nil
	}
	if i.client != nil {
		i.client.Close()
		i.client = nil
	}
	client, err := i.dial()
	if err != nil {
		return nil, err
	}
	i.client = client
	return client, nil
}

func (i *Instance) reconnect() error {
	_, err := i.ensureClient()
	return err
}

func (i *Instance) commander() Commander {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.client
}

func (i *Instance) directory() Directory { return i.dir }
func (i *Instance) ledger() Ledger       { return i.led }

// dropSlot removes a player from the slot table if it still owns the slot
func (i *Instance) dropSlot(slot int, p *Player) {
	i.mu.Lock()
	if current, ok := i.slots[slot]; ok && current == p {
		delete(i.slots, slot)
	}
	i.mu.Unlock()
}

// setState transitions the lifecycle state, emitting a change event
func (i *Instance) setState(to domain.InstanceState) {
	i.mu.Lock()
	from := i.state
	if from == to {
		i.mu.Unlock()
		return
	}
	i.state = to
	if to == domain.StateOnline && (from == domain.StateOffline || from == domain.StateError) {
		if i.onlineSince.IsZero() {
			i.onlineSince = time.Now().UTC()
		}
	}
	i.mu.Unlock()

	i.emit(domain.EventStateChange, domain.StateChangeEvent{From: from, To: to})
}

// emit pushes an event to the outbound channel, dropping when full
func (i *Instance) emit(typ string, data interface{}) {
	ev := domain.Event{
		Type:      typ,
		ServerID:  i.cfg.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case i.events <- ev:
	default:
	}
}
