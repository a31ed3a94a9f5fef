// Package keys stores per-user exchange credentials and validates
// them against the venue before they are ever trusted.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/secrets"
)

// preflightTimeout bounds the signed validation call.
const preflightTimeout = 10 * time.Second

var (
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrBadEnvironment      = errors.New("environment must be mainnet or testnet")
	ErrKeyLength           = errors.New("api key length out of bounds for exchange")
	ErrSecretLength        = errors.New("api secret length out of bounds for exchange")
)

// PreflightError wraps the venue's rejection of a candidate key.
// Stored state is untouched when it occurs.
type PreflightError struct {
	Err error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("credential pre-flight failed: %v", e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// Manager is the credential store and validator.
type Manager struct {
	queries *db.UserQueries
	keyring *secrets.Keyring
	factory Factory
	bus     *events.Bus
}

// NewManager wires the manager over the store and seal keyring.
func NewManager(queries *db.UserQueries, keyring *secrets.Keyring, factory Factory, bus *events.Bus) *Manager {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Manager{queries: queries, keyring: keyring, factory: factory, bus: bus}
}

// SetCredential validates and stores a new API key pair for one
// (user, exchange, environment) tuple. The flow is: length bounds →
// signed pre-flight wallet call → seal at rest → insert as the tuple's
// single active row. Any failure before the insert leaves stored
// state untouched.
func (m *Manager) SetCredential(ctx context.Context, userID, exchange, environment, apiKey, apiSecret string) (*db.Credential, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	bounds, ok := exchangeBounds[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, exchange)
	}
	if !common.ValidEnvironment(environment) {
		return nil, fmt.Errorf("%w: %q", ErrBadEnvironment, environment)
	}
	if len(apiKey) < bounds.keyMin || len(apiKey) > bounds.keyMax {
		return nil, fmt.Errorf("%w: got %d chars", ErrKeyLength, len(apiKey))
	}
	if len(apiSecret) < bounds.secretMin || len(apiSecret) > bounds.secretMax {
		return nil, fmt.Errorf("%w: got %d chars", ErrSecretLength, len(apiSecret))
	}

	gateway, err := m.factory(exchange, common.Environment(environment), common.Credentials{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		return nil, err
	}

	preCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	if _, err := gateway.WalletBalance(preCtx); err != nil {
		return nil, &PreflightError{Err: err}
	}

	sealedKey, err := m.keyring.Seal(apiKey)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}
	sealedSecret, err := m.keyring.Seal(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("seal api secret: %w", err)
	}

	now := time.Now()
	cred := db.Credential{
		ID:              uuid.NewString(),
		UserID:          userID,
		Exchange:        exchange,
		Environment:     environment,
		APIKeySealed:    sealedKey,
		APISecretSealed: sealedSecret,
		KeyVersion:      m.keyring.CurrentVersion(),
		Status:          db.CredentialValid,
		IsActive:        true,
		LastValidatedAt: now,
	}
	if err := m.queries.InsertActiveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	m.bus.Publish(events.EventCredentialChange, events.CredentialChange{
		UserID:      userID,
		Exchange:    exchange,
		Environment: environment,
		Status:      db.CredentialValid,
		At:          now,
	})
	return &cred, nil
}

// GatewayFor opens the user's active credential for a tuple and
// constructs a signed gateway. This is the only place sealed secrets
// are ever decrypted.
func (m *Manager) GatewayFor(ctx context.Context, userID, exchange, environment string) (common.Gateway, error) {
	cred, err := m.queries.GetActiveCredential(ctx, userID, exchange, environment)
	if err != nil {
		return nil, err
	}

	// Credentials sealed under a rotated-out key migrate to the newest
	// version the first time they are used.
	if cred.KeyVersion < m.keyring.CurrentVersion() {
		if err := m.reseal(ctx, cred); err != nil {
			log.Printf("⚠️ reseal credential %s: %v", cred.ID, err)
		}
	}

	apiKey, err := m.keyring.Open(cred.APIKeySealed)
	if err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}
	apiSecret, err := m.keyring.Open(cred.APISecretSealed)
	if err != nil {
		return nil, fmt.Errorf("open api secret: %w", err)
	}
	return m.factory(exchange, common.Environment(environment), common.Credentials{APIKey: apiKey, APISecret: apiSecret})
}

func (m *Manager) reseal(ctx context.Context, cred *db.Credential) error {
	sealedKey, err := m.keyring.Reseal(cred.APIKeySealed)
	if err != nil {
		return err
	}
	sealedSecret, err := m.keyring.Reseal(cred.APISecretSealed)
	if err != nil {
		return err
	}
	version := m.keyring.CurrentVersion()
	if err := m.queries.UpdateCredentialSeals(ctx, cred.UserID, cred.ID, sealedKey, sealedSecret, version); err != nil {
		return err
	}
	cred.APIKeySealed = sealedKey
	cred.APISecretSealed = sealedSecret
	cred.KeyVersion = version
	log.Printf("🔄 resealed credential %s to key v%d", cred.ID, version)
	return nil
}

// MarkInvalid flags a tuple's active credential after the venue
// rejected its key. The row stays in history; the trader drops out of
// ListActiveTraders until a new credential passes pre-flight.
func (m *Manager) MarkInvalid(ctx context.Context, userID, exchange, environment string) error {
	if err := m.queries.MarkCredentialInvalid(ctx, userID, exchange, environment); err != nil {
		return err
	}
	m.bus.Publish(events.EventCredentialChange, events.CredentialChange{
		UserID:      userID,
		Exchange:    exchange,
		Environment: environment,
		Status:      db.CredentialInvalid,
		At:          time.Now(),
	})
	return nil
}

// GetActiveCredential returns the tuple's single active row.
func (m *Manager) GetActiveCredential(ctx context.Context, userID, exchange, environment string) (*db.Credential, error) {
	return m.queries.GetActiveCredential(ctx, userID, exchange, environment)
}

// ListCredentials returns a user's credential history, newest first.
func (m *Manager) ListCredentials(ctx context.Context, userID string) ([]db.Credential, error) {
	return m.queries.ListCredentialsByUser(ctx, userID)
}

// Deactivate retires one credential without deleting its history row.
func (m *Manager) Deactivate(ctx context.Context, userID, credentialID string) error {
	if err := m.queries.DeactivateCredential(ctx, userID, credentialID); err != nil {
		return err
	}
	m.bus.Publish(events.EventCredentialChange, events.CredentialChange{
		UserID: userID,
		Status: "deactivated",
		At:     time.Now(),
	})
	return nil
}

// ListActiveTraders returns every trading-eligible (user, exchange,
// environment) tuple: active user, active credential, status valid.
func (m *Manager) ListActiveTraders(ctx context.Context) ([]db.TraderKey, error) {
	return m.queries.ListActiveTraders(ctx)
}
