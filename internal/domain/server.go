package domain

import "time"

// InstanceState is the lifecycle state of a managed server instance
type InstanceState string

const (
	StateOffline InstanceState = "offline"
	StateOnline  InstanceState = "online"
	StateError   InstanceState = "error"
)

// SlotStatus is one occupied client slot as reported by the game server
type SlotStatus struct {
	Slot      int    `json:"slot"`
	Score     int    `json:"score"`
	IsBot     bool   `json:"is_bot"`
	Ping      int    `json:"ping"`
	GUID      string `json:"guid"`
	Name      string `json:"name"`
	CleanName string `json:"clean_name"`
	LastMsg   int    `json:"last_msg"`
	Address   string `json:"address"`
	QPort     int    `json:"qport"`
	Rate      int    `json:"rate"`
}

// GameStatus is a parsed status response from one server
type GameStatus struct {
	Map         string       `json:"map"`
	Hostname    string       `json:"hostname,omitempty"`
	Slots       []SlotStatus `json:"slots"`
	Raw         []string     `json:"raw,omitempty"`
	RetrievedAt time.Time    `json:"retrieved_at"`
}

// SlotByNumber returns the slot record with the given number, or nil
func (s *GameStatus) SlotByNumber(num int) *SlotStatus {
	for i := range s.Slots {
		if s.Slots[i].Slot == num {
			return &s.Slots[i]
		}
	}
	return nil
}

// InstanceSnapshot is the externally visible state of a server instance
type InstanceSnapshot struct {
	ServerID    int64         `json:"server_id"`
	Name        string        `json:"name"`
	State       InstanceState `json:"state"`
	Map         string        `json:"map,omitempty"`
	PlayerCount int           `json:"player_count"`
	PeakPlayers int           `json:"peak_players"`
	Connections int64         `json:"connections"`
	Uptime      time.Duration `json:"uptime"`
	LastUpdated time.Time     `json:"last_updated"`
}
