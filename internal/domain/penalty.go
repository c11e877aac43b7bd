package domain

import "time"

// PenaltyType classifies a moderation action
type PenaltyType string

const (
	PenaltyKick    PenaltyType = "kick"
	PenaltyBan     PenaltyType = "ban"
	PenaltyTempBan PenaltyType = "tempban"
	PenaltyReport  PenaltyType = "report"
)

// OriginConsole is the sentinel origin for actions issued without an
// authenticated operator (scheduled jobs, the local CLI). Call sites pass it
// explicitly; there is no implicit default.
const OriginConsole = "console"

// Penalty is a structured moderation record handed to the penalty ledger
type Penalty struct {
	Type       PenaltyType   `json:"type"`
	ServerID   int64         `json:"server_id"`
	PlayerGUID string        `json:"player_guid"`
	PlayerName string        `json:"player_name"`
	Origin     string        `json:"origin"`
	Reason     string        `json:"reason"`
	Duration   time.Duration `json:"duration,omitempty"` // tempban only
	IssuedAt   time.Time     `json:"issued_at"`
}
