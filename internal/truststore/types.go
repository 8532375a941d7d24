package truststore

import "time"

// TrustedDevice identifies a client allowed to open client sessions.
// Tenant-scoped.
type TrustedDevice struct {
	DeviceID     string     `json:"device_id"`
	PublicKeyB64 string     `json:"public_key_b64"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	Revoked      bool       `json:"revoked"`
	Label        string     `json:"label,omitempty"`
}

// OrchestratorDevice is the same shape as TrustedDevice, keyed by ccbox
// device id. Registered via trust-on-first-use.
type OrchestratorDevice struct {
	DeviceID     string     `json:"device_id"`
	PublicKeyB64 string     `json:"public_key_b64"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	Revoked      bool       `json:"revoked"`
	Label        string     `json:"label,omitempty"`
}

// PairingRecord is the single active pairing code for a tenant.
type PairingRecord struct {
	CodeBase32       string    `json:"code_base32"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	AttemptsRemaining int      `json:"attempts_remaining"`
}

// Active reports whether the record still admits an approval attempt.
func (p *PairingRecord) Active(now time.Time) bool {
	return p.AttemptsRemaining > 0 && p.ExpiresAt.After(now)
}

type trustedDevicesFile struct {
	TrustedDevices []TrustedDevice `json:"trusted_devices"`
}

type orchestratorsFile struct {
	CCBoxes []OrchestratorDevice `json:"ccboxes"`
}
