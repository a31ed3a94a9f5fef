package keys

import (
	"fmt"

	"signal-core/pkg/exchanges/binancefut"
	"signal-core/pkg/exchanges/bybit"
	"signal-core/pkg/exchanges/common"
)

// Factory builds a gateway for one exchange account. Injected so
// tests can substitute a fake venue.
type Factory func(exchange string, env common.Environment, creds common.Credentials) (common.Gateway, error)

// keyBounds are per-exchange API key/secret length limits. Each
// venue's key format differs, so the bounds differ too.
type keyBounds struct {
	keyMin, keyMax       int
	secretMin, secretMax int
}

var exchangeBounds = map[string]keyBounds{
	bybit.Name:      {keyMin: 18, keyMax: 64, secretMin: 36, secretMax: 128},
	binancefut.Name: {keyMin: 30, keyMax: 128, secretMin: 30, secretMax: 128},
}

// SupportedExchange reports whether the engine has a gateway for name.
func SupportedExchange(name string) bool {
	_, ok := exchangeBounds[name]
	return ok
}

// DefaultFactory constructs real signed clients.
func DefaultFactory(exchange string, env common.Environment, creds common.Credentials) (common.Gateway, error) {
	switch exchange {
	case bybit.Name:
		return bybit.NewClient(bybit.Config{Credentials: creds, Environment: env}), nil
	case binancefut.Name:
		return binancefut.NewClient(binancefut.Config{Credentials: creds, Environment: env}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
}
