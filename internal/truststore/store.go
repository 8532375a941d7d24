// Package truststore persists trusted client devices, known orchestrators,
// and live pairing records under a per-tenant GUID namespace.
//
// Writes are atomic (write-temp-then-rename); concurrent writers within
// this process are serialized per tenant directory. The on-disk layout
// and file formats are the relay's external contract — not reinterpreted
// or validated beyond what's needed to round-trip the Go types.
package truststore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is a directory-backed trust store rooted at the directory given
// to New.
type Store struct {
	root string

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

// New returns a Store rooted at dir. The directory is created if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("truststore: create root dir: %w", err)
	}
	return &Store{
		root:     dir,
		tenantMu: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) tenantLock(tenant string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tenantMu[tenant]
	if !ok {
		m = &sync.Mutex{}
		s.tenantMu[tenant] = m
	}
	return m
}

func (s *Store) tenantDir(tenant string) string {
	return filepath.Join(s.root, tenant)
}

func (s *Store) pairingDir() string {
	return filepath.Join(s.root, "pairing")
}

// LoadTrustedDevices returns the tenant's trusted client devices. A
// missing file is treated as an empty list, not an error.
func (s *Store) LoadTrustedDevices(tenant string) ([]TrustedDevice, error) {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	var f trustedDevicesFile
	if err := readJSONFile(filepath.Join(s.tenantDir(tenant), "trusted_devices.json"), &f); err != nil {
		return nil, err
	}
	return f.TrustedDevices, nil
}

// SaveTrustedDevices atomically overwrites the tenant's trusted device
// list.
func (s *Store) SaveTrustedDevices(tenant string, devices []TrustedDevice) error {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	dir := s.tenantDir(tenant)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("truststore: create tenant dir: %w", err)
	}
	return atomicWriteJSON(filepath.Join(dir, "trusted_devices.json"), trustedDevicesFile{TrustedDevices: devices})
}

// LoadOrchestrators returns the tenant's known orchestrator devices.
func (s *Store) LoadOrchestrators(tenant string) ([]OrchestratorDevice, error) {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	var f orchestratorsFile
	if err := readJSONFile(filepath.Join(s.tenantDir(tenant), "ccboxes.json"), &f); err != nil {
		return nil, err
	}
	return f.CCBoxes, nil
}

// SaveOrchestrators atomically overwrites the tenant's orchestrator list.
func (s *Store) SaveOrchestrators(tenant string, devices []OrchestratorDevice) error {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	dir := s.tenantDir(tenant)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("truststore: create tenant dir: %w", err)
	}
	return atomicWriteJSON(filepath.Join(dir, "ccboxes.json"), orchestratorsFile{CCBoxes: devices})
}

// LoadPairing returns the tenant's pairing record, or nil if none exists.
func (s *Store) LoadPairing(tenant string) (*PairingRecord, error) {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.pairingDir(), tenant+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("truststore: read pairing record: %w", err)
	}

	var rec PairingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("truststore: decode pairing record: %w", err)
	}
	return &rec, nil
}

// SavePairing atomically writes the tenant's pairing record.
func (s *Store) SavePairing(tenant string, rec *PairingRecord) error {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.pairingDir(), 0o700); err != nil {
		return fmt.Errorf("truststore: create pairing dir: %w", err)
	}
	return atomicWriteJSON(filepath.Join(s.pairingDir(), tenant+".json"), rec)
}

// DeletePairing removes the tenant's pairing record, if any.
func (s *Store) DeletePairing(tenant string) error {
	lock := s.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(filepath.Join(s.pairingDir(), tenant+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truststore: delete pairing record: %w", err)
	}
	return nil
}

// ActivePairingCount returns the number of tenants with a currently
// active pairing record, for admin dashboard reporting.
func (s *Store) ActivePairingCount(now func() time.Time) (int, error) {
	entries, err := os.ReadDir(s.pairingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("truststore: list pairing dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.pairingDir(), entry.Name()))
		if err != nil {
			continue
		}
		var rec PairingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Active(now()) {
			count++
		}
	}
	return count, nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("truststore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("truststore: decode %s: %w", path, err)
	}
	return nil
}

// atomicWriteJSON marshals v and writes it to path via a temp file in the
// same directory followed by rename, so concurrent readers never observe
// a partially written file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("truststore: encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("truststore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("truststore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("truststore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("truststore: rename into place: %w", err)
	}
	return nil
}
