package domain

import "time"

// Event types emitted by server instances
const (
	EventPlayerConnect    = "player_connect"
	EventPlayerDisconnect = "player_disconnect"
	EventStateChange      = "state_change"
	EventPenalty          = "penalty"
	EventReport           = "report"
	EventChat             = "chat"
	EventKill             = "kill"
)

// Event is a reconciliation event pushed outward by a server instance
type Event struct {
	Type      string      `json:"event"`
	ServerID  int64       `json:"server_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// PlayerConnectEvent is sent when a new player entity is created
type PlayerConnectEvent struct {
	Slot     int    `json:"slot"`
	Name     string `json:"name"`
	GUID     string `json:"guid"`
	Address  string `json:"address,omitempty"`
	PlayerID *int64 `json:"player_id,omitempty"`
}

// PlayerDisconnectEvent is sent when a player entity is torn down
type PlayerDisconnectEvent struct {
	Slot     int    `json:"slot"`
	Name     string `json:"name"`
	GUID     string `json:"guid"`
	PlayerID *int64 `json:"player_id,omitempty"`
}

// StateChangeEvent is sent on instance lifecycle transitions
type StateChangeEvent struct {
	From InstanceState `json:"from"`
	To   InstanceState `json:"to"`
}

// PenaltyEvent wraps a penalty for outward broadcast
type PenaltyEvent struct {
	Penalty Penalty `json:"penalty"`
}

// ChatEvent is an in-game chat line seen in the server log
type ChatEvent struct {
	Slot    int    `json:"slot"`
	Name    string `json:"name"`
	GUID    string `json:"guid,omitempty"`
	Message string `json:"message"`
}

// KillEvent is a frag seen in the server log
type KillEvent struct {
	KillerSlot int    `json:"killer_slot"`
	KillerName string `json:"killer_name"`
	VictimSlot int    `json:"victim_slot"`
	VictimName string `json:"victim_name"`
	Weapon     string `json:"weapon,omitempty"`
}
