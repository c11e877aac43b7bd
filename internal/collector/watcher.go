package collector

import (
	"log"
	"time"

	"github.com/ernie/warden/internal/dialect"
	"github.com/ernie/warden/internal/domain"
)

// Watcher tails one server's log and emits chat and kill events parsed
// through the server's dialect. Player lifecycle stays with the rcon
// poller: connect and disconnect log lines are ignored here so the two
// sources cannot disagree about who is online.
type Watcher struct {
	serverID int64
	d        dialect.Dialect
	tailer   *Tailer
	events   chan domain.Event
	done     chan struct{}
}

// NewWatcher creates a watcher for a server's log file
func NewWatcher(serverID int64, d dialect.Dialect, logPath string) *Watcher {
	return &Watcher{
		serverID: serverID,
		d:        d,
		tailer:   NewTailer(logPath),
		events:   make(chan domain.Event, 100),
		done:     make(chan struct{}),
	}
}

// Events returns the outbound event channel
func (w *Watcher) Events() <-chan domain.Event { return w.events }

// Start begins tailing and parsing
func (w *Watcher) Start() error {
	if err := w.tailer.Start(); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.done)
	w.tailer.Stop()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case err := <-w.tailer.Errors:
			log.Printf("collector: server %d log: %v", w.serverID, err)
		case line := <-w.tailer.Lines:
			w.handleLine(line)
		}
	}
}

func (w *Watcher) handleLine(line string) {
	ev := w.d.ParseLogLine(line)
	if ev == nil {
		return
	}

	switch ev.Type {
	case dialect.LogChat:
		w.emit(domain.EventChat, domain.ChatEvent{
			Slot:    ev.Slot,
			Name:    domain.CleanName(ev.Name),
			GUID:    ev.GUID,
			Message: ev.Message,
		})
	case dialect.LogKill:
		w.emit(domain.EventKill, domain.KillEvent{
			KillerSlot: ev.Slot,
			KillerName: domain.CleanName(ev.Name),
			VictimSlot: ev.VictimSlot,
			VictimName: domain.CleanName(ev.VictimName),
			Weapon:     ev.Weapon,
		})
	}
}

func (w *Watcher) emit(typ string, data interface{}) {
	select {
	case w.events <- domain.Event{
		Type:      typ,
		ServerID:  w.serverID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}:
	default:
	}
}
