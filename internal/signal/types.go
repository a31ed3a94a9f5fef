// Package signal validates inbound trading signals against the
// sentiment gate and sizes qualifying entries.
package signal

import (
	"fmt"
	"strconv"
	"time"

	"signal-core/internal/sentiment"
)

// Kind is the inbound signal vocabulary from the external alerter.
type Kind string

const (
	KindOpenLong        Kind = "SINAL_LONG"
	KindOpenLongStrong  Kind = "SINAL_LONG_FORTE"
	KindOpenShort       Kind = "SINAL_SHORT"
	KindOpenShortStrong Kind = "SINAL_SHORT_FORTE"
	KindCloseLong       Kind = "FECHE_LONG"
	KindCloseShort      Kind = "FECHE_SHORT"
)

// Known reports whether k belongs to the signal vocabulary.
func (k Kind) Known() bool {
	switch k {
	case KindOpenLong, KindOpenLongStrong, KindOpenShort, KindOpenShortStrong,
		KindCloseLong, KindCloseShort:
		return true
	}
	return false
}

// IsClose reports whether k instructs closing existing positions.
func (k Kind) IsClose() bool {
	return k == KindCloseLong || k == KindCloseShort
}

// Side returns the direction the kind acts on.
func (k Kind) Side() sentiment.Direction {
	switch k {
	case KindOpenShort, KindOpenShortStrong, KindCloseShort:
		return sentiment.DirectionShort
	default:
		return sentiment.DirectionLong
	}
}

// Strong reports whether k is a strong-conviction variant.
func (k Kind) Strong() bool {
	return k == KindOpenLongStrong || k == KindOpenShortStrong
}

// Signal is one inbound instruction, immutable once parsed.
type Signal struct {
	Symbol     string
	Kind       Kind
	Price      float64
	ReceivedAt time.Time
}

// Payload is the raw webhook body from the signal source. Price
// arrives as a decimal string and timestamp as epoch milliseconds.
type Payload struct {
	Symbol    string `json:"symbol" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Price     string `json:"price" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

// Parse validates a raw payload into a Signal.
func Parse(p Payload) (Signal, error) {
	price, err := strconv.ParseFloat(p.Price, 64)
	if err != nil {
		return Signal{}, fmt.Errorf("invalid price %q: %w", p.Price, err)
	}
	if price <= 0 {
		return Signal{}, fmt.Errorf("price must be positive, got %v", price)
	}
	received := time.Now()
	if p.Timestamp > 0 {
		received = time.UnixMilli(p.Timestamp)
	}
	return Signal{
		Symbol:     p.Symbol,
		Kind:       Kind(p.Kind),
		Price:      price,
		ReceivedAt: received,
	}, nil
}

// Rejection reasons. These are expected outcomes, not errors.
const (
	ReasonUnknownKind    = "unknown signal kind"
	ReasonGateBlocked    = "direction blocked by sentiment"
	ReasonPositionLimit  = "position limit reached"
	ReasonNoOpenPosition = "no matching open position"
	ReasonUserInactive   = "user not active"
)

// Outcome is the engine's synchronous verdict for one user.
type Outcome struct {
	UserID    string  `json:"user_id"`
	Accepted  bool    `json:"accepted"`
	Reason    string  `json:"reason,omitempty"`
	Closed    int     `json:"closed,omitempty"`
	Plan      *Plan   `json:"plan,omitempty"`
	Sentiment float64 `json:"sentiment"`
}
