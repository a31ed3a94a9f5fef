package signal

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"signal-core/pkg/config"
)

// Params are one user's sizing parameters. Zero fields fall back to
// the engine defaults when merged.
type Params struct {
	Leverage        float64 `yaml:"leverage"`
	TPMultiplier    float64 `yaml:"tp_multiplier"`
	SLMultiplier    float64 `yaml:"sl_multiplier"`
	BalancePercent  float64 `yaml:"balance_percent"`
	LeverageCap     float64 `yaml:"leverage_cap"`
	TPCapMultiplier float64 `yaml:"tp_cap_multiplier"`
	SLCapMultiplier float64 `yaml:"sl_cap_multiplier"`
}

func fromDefaults(d config.TradingDefaults) Params {
	return Params{
		Leverage:        d.Leverage,
		TPMultiplier:    d.TPMultiplier,
		SLMultiplier:    d.SLMultiplier,
		BalancePercent:  d.BalancePercent,
		LeverageCap:     d.LeverageCap,
		TPCapMultiplier: d.TPCapMultiplier,
		SLCapMultiplier: d.SLCapMultiplier,
	}
}

// merge overlays the user's explicit values on the defaults.
func (p Params) merge(base Params) Params {
	out := base
	if p.Leverage > 0 {
		out.Leverage = p.Leverage
	}
	if p.TPMultiplier > 0 {
		out.TPMultiplier = p.TPMultiplier
	}
	if p.SLMultiplier > 0 {
		out.SLMultiplier = p.SLMultiplier
	}
	if p.BalancePercent > 0 {
		out.BalancePercent = p.BalancePercent
	}
	if p.LeverageCap > 0 {
		out.LeverageCap = p.LeverageCap
	}
	if p.TPCapMultiplier > 0 {
		out.TPCapMultiplier = p.TPCapMultiplier
	}
	if p.SLCapMultiplier > 0 {
		out.SLCapMultiplier = p.SLCapMultiplier
	}
	return out
}

// ParamsStore resolves per-user trading parameters, merging a YAML
// overrides file over the configured defaults.
type ParamsStore struct {
	mu       sync.RWMutex
	defaults Params
	users    map[string]Params
}

type paramsFile struct {
	Users map[string]Params `yaml:"users"`
}

// NewParamsStore builds a store with no per-user overrides.
func NewParamsStore(defaults config.TradingDefaults) *ParamsStore {
	return &ParamsStore{
		defaults: fromDefaults(defaults),
		users:    make(map[string]Params),
	}
}

// LoadParamsStore reads a per-user overrides YAML file:
//
//	users:
//	  user-id:
//	    leverage: 8
//	    balance_percent: 20
//
// A missing file is not an error; everyone gets the defaults.
func LoadParamsStore(path string, defaults config.TradingDefaults) (*ParamsStore, error) {
	store := NewParamsStore(defaults)
	if path == "" {
		return store, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read params file: %w", err)
	}

	var file paramsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse params file %s: %w", path, err)
	}
	for userID, p := range file.Users {
		store.users[userID] = p
	}
	return store, nil
}

// For returns the effective parameters for one user.
func (s *ParamsStore) For(userID string) Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if override, ok := s.users[userID]; ok {
		return override.merge(s.defaults)
	}
	return s.defaults
}

// Set installs overrides for a user at runtime.
func (s *ParamsStore) Set(userID string, p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = p
}
