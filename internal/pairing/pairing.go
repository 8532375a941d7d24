// Package pairing implements short-lived, single-use pairing codes that
// bootstrap trust for a new client device without a prior shared secret.
package pairing

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/ccbox-relay/internal/truststore"
)

const (
	minTTL         = 10 * time.Second
	maxTTL         = 3600 * time.Second
	defaultAttempts = 5
	codeLength     = 10
)

// Outcome classifies an approval attempt for metrics/audit purposes.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeReused   Outcome = "reused"
	OutcomeApproved Outcome = "approved"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeLocked   Outcome = "locked"
	OutcomeExpired  Outcome = "expired"
)

// Error codes returned by ApprovePairing, matching spec.md §6/§7.
var (
	ErrPairingExpired = errors.New("PairingExpired")
	ErrPairingLocked  = errors.New("PairingLocked")
	ErrPairingInvalid = errors.New("PairingInvalid")
	ErrInvalidParams  = errors.New("InvalidParams")
)

// Engine creates, reuses and validates pairing codes, and promotes a
// validated code into a trusted device entry.
type Engine struct {
	store *truststore.Store
	now   func() time.Time
}

// New returns an Engine backed by store.
func New(store *truststore.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// EnsureResult is the outcome of EnsurePairing.
type EnsureResult struct {
	Record *truststore.PairingRecord
	Reused bool
}

// EnsurePairing clamps ttlSeconds to [10, 3600], returns the tenant's
// active pairing record if one exists, or creates a fresh one.
func (e *Engine) EnsurePairing(tenant string, ttlSeconds int, initialAttempts int) (*EnsureResult, error) {
	ttl := clampTTL(ttlSeconds)
	now := e.now().UTC()

	existing, err := e.store.LoadPairing(tenant)
	if err != nil {
		return nil, fmt.Errorf("pairing: load existing record: %w", err)
	}
	if existing != nil && existing.Active(now) {
		return &EnsureResult{Record: existing, Reused: true}, nil
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pairing: generate nonce: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(nonce)
	code := encoded[:codeLength]

	rec := &truststore.PairingRecord{
		CodeBase32:        code,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		AttemptsRemaining: initialAttempts,
	}
	if err := e.store.SavePairing(tenant, rec); err != nil {
		return nil, fmt.Errorf("pairing: save record: %w", err)
	}
	return &EnsureResult{Record: rec, Reused: false}, nil
}

// ApproveParams are the validated inputs to ApprovePairing.
type ApproveParams struct {
	PairingCode  string
	DeviceID     string
	PublicKeyB64 string
	Label        string
}

// ApprovePairing validates pairing_code against the tenant's active
// record. On match it upserts a TrustedDevice and deletes the pairing
// record (single-use even if the TTL has not elapsed). On mismatch it
// decrements attempts_remaining and persists before returning
// ErrPairingInvalid.
func (e *Engine) ApprovePairing(tenant string, p ApproveParams) error {
	if _, err := uuid.Parse(p.DeviceID); err != nil {
		return ErrInvalidParams
	}
	if p.PairingCode == "" || p.PublicKeyB64 == "" {
		return ErrInvalidParams
	}

	now := e.now().UTC()
	rec, err := e.store.LoadPairing(tenant)
	if err != nil {
		return fmt.Errorf("pairing: load record: %w", err)
	}
	if rec == nil {
		return ErrPairingExpired
	}
	if rec.ExpiresAt.Before(now) {
		return ErrPairingExpired
	}
	if rec.AttemptsRemaining == 0 {
		return ErrPairingLocked
	}
	if rec.CodeBase32 != p.PairingCode {
		rec.AttemptsRemaining--
		if err := e.store.SavePairing(tenant, rec); err != nil {
			return fmt.Errorf("pairing: persist attempt decrement: %w", err)
		}
		return ErrPairingInvalid
	}

	devices, err := e.store.LoadTrustedDevices(tenant)
	if err != nil {
		return fmt.Errorf("pairing: load trusted devices: %w", err)
	}
	devices = upsertTrustedDevice(devices, truststore.TrustedDevice{
		DeviceID:     p.DeviceID,
		PublicKeyB64: p.PublicKeyB64,
		CreatedAt:    now,
		Revoked:      false,
		Label:        p.Label,
	})
	if err := e.store.SaveTrustedDevices(tenant, devices); err != nil {
		return fmt.Errorf("pairing: save trusted devices: %w", err)
	}

	if err := e.store.DeletePairing(tenant); err != nil {
		return fmt.Errorf("pairing: delete record: %w", err)
	}
	return nil
}

func upsertTrustedDevice(devices []truststore.TrustedDevice, d truststore.TrustedDevice) []truststore.TrustedDevice {
	for i, existing := range devices {
		if existing.DeviceID == d.DeviceID {
			devices[i] = d
			return devices
		}
	}
	return append(devices, d)
}

func clampTTL(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < minTTL {
		return minTTL
	}
	if d > maxTTL {
		return maxTTL
	}
	return d
}
