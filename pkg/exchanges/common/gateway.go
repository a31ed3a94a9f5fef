package common

import "context"

// Gateway abstracts an exchange account for credential pre-flight
// checks and position monitoring. Implementations hold one user's
// signed credentials.
type Gateway interface {
	// Name identifies the venue, e.g. "bybit" or "binance-usdtfut".
	Name() string
	// Ping hits an unauthenticated endpoint to verify connectivity.
	Ping(ctx context.Context) error
	// WalletBalance returns the account's settlement-asset balance.
	// It requires valid credentials and doubles as the pre-flight
	// validation call for newly submitted keys.
	WalletBalance(ctx context.Context) (Balance, error)
	// OpenPositions returns every non-zero position on the account.
	OpenPositions(ctx context.Context) ([]Position, error)
}
