package db

import "time"

// Position status values. Terminal state is closed; no position re-opens.
const (
	PositionPending = "pending"
	PositionOpen    = "open"
	PositionClosed  = "closed"
)

// Credential status values.
const (
	CredentialPending = "pending"
	CredentialValid   = "valid"
	CredentialInvalid = "invalid"
)

// User represents an account holder. The row is owned by the external
// user-management service; the engine only reads it.
type User struct {
	ID        string
	Name      string
	Balance   float64 // available balance in the quote currency
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credential is one API key pair for a (user, exchange, environment) tuple.
// Key material is stored sealed; plaintext never touches the DB.
type Credential struct {
	ID              string
	UserID          string
	Exchange        string
	Environment     string // mainnet | testnet
	APIKeySealed    string
	APISecretSealed string
	KeyVersion      int
	Status          string
	IsActive        bool
	LastValidatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Position is a sized directional trade record owned by one user.
type Position struct {
	ID              string
	UserID          string
	Symbol          string
	Side            string // long | short
	EntryPrice      float64
	Quantity        float64 // notional position size (tradeAmount x leverage)
	Leverage        float64
	TakeProfitPrice float64
	StopLossPrice   float64
	TPPercent       float64
	SLPercent       float64
	Status          string
	Strong          bool // opening signal strength
	SentimentAtOpen int
	OpenedAt        time.Time
	ClosedAt        time.Time
	ExitPrice       float64
	CloseReason     string
}

// TraderKey identifies one monitorable (user, exchange, environment) pair.
type TraderKey struct {
	UserID      string
	Exchange    string
	Environment string
}
