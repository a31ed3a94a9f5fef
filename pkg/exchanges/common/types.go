package common

import "fmt"

// Environment selects the venue deployment credentials belong to.
type Environment string

const (
	EnvMainnet Environment = "mainnet"
	EnvTestnet Environment = "testnet"
)

// ValidEnvironment reports whether s names a known environment.
func ValidEnvironment(s string) bool {
	return Environment(s) == EnvMainnet || Environment(s) == EnvTestnet
}

// Credentials is a decrypted API key pair handed to a gateway.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Balance is the settlement-asset view of an account.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Position normalizes an exchange position report.
type Position struct {
	Symbol        string
	Side          string // "long" or "short"
	Size          float64
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      float64
}

// APIError is a venue-level rejection (bad key, bad permission,
// malformed request) as opposed to a transport failure.
type APIError struct {
	Exchange string
	Code     int64
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Exchange, e.Code, e.Message)
}

// AuthFailure reports whether the rejection means the credential
// itself is bad (invalid, expired, or lacking permission), as opposed
// to a transient or request-level problem.
func (e *APIError) AuthFailure() bool {
	switch e.Code {
	case 10003, 10004, 33004: // bybit: invalid key, bad signature, key expired
		return true
	case -2014, -2015: // binance: bad key format, invalid key/IP/permission
		return true
	}
	return false
}
