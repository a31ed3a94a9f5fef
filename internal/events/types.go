package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventSignalAccepted   Event = "signal.accepted"
	EventSignalRejected   Event = "signal.rejected"
	EventPositionOpened   Event = "position.opened"
	EventPositionClosed   Event = "position.closed"
	EventBalanceSnapshot  Event = "monitor.balance"
	EventPositionSnapshot Event = "monitor.positions"
	EventCredentialChange Event = "credential.change"
)

// SignalOutcome reports a processed webhook signal per user.
type SignalOutcome struct {
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	Sentiment float64   `json:"sentiment"`
	At        time.Time `json:"at"`
}

// PositionChange reports a position opening or closing.
type PositionChange struct {
	UserID     string    `json:"user_id"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// BalanceSnapshot is a monitoring pass reading of one account.
type BalanceSnapshot struct {
	UserID    string    `json:"user_id"`
	Exchange  string    `json:"exchange"`
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	At        time.Time `json:"at"`
}

// PositionSnapshot is a monitoring pass reading of one account's
// on-exchange positions.
type PositionSnapshot struct {
	UserID   string         `json:"user_id"`
	Exchange string         `json:"exchange"`
	Items    []SnapshotItem `json:"items"`
	At       time.Time      `json:"at"`
}

// SnapshotItem is one on-exchange position inside a snapshot.
type SnapshotItem struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// CredentialChange reports a credential tuple changing state.
type CredentialChange struct {
	UserID      string    `json:"user_id"`
	Exchange    string    `json:"exchange"`
	Environment string    `json:"environment"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}
