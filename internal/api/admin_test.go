package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openclaw/ccbox-relay/internal/audit"
	"github.com/openclaw/ccbox-relay/internal/metrics"
	"github.com/openclaw/ccbox-relay/internal/registry"
	"github.com/openclaw/ccbox-relay/internal/truststore"
)

func newAdminTestHarness(t *testing.T) (*httptest.Server, *truststore.Store, *audit.Log) {
	t.Helper()
	dir := t.TempDir()
	store, err := truststore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	auditLog, err := audit.Open(dir + "/audit.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	m := metrics.New(logger)

	router := NewAdminRouter(store, reg, auditLog, m, logger)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return ts, store, auditLog
}

func TestAdminDashboardReportsCounts(t *testing.T) {
	ts, store, _ := newAdminTestHarness(t)

	if err := store.SavePairing("tenant-a", &truststore.PairingRecord{
		CodeBase32:        "ABCDEFGHIJ",
		ExpiresAt:         time.Now().UTC().Add(time.Minute),
		AttemptsRemaining: 5,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/admin/api/dashboard")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var dash DashboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&dash); err != nil {
		t.Fatal(err)
	}
	if dash.ActivePairingRecords != 1 {
		t.Fatalf("ActivePairingRecords = %d, want 1", dash.ActivePairingRecords)
	}
	if dash.ConnectedOrchestrators != 0 || dash.LiveClientSessions != 0 {
		t.Fatalf("expected zero live connections, got %+v", dash)
	}
}

func TestAdminRevokeDeviceMarksRevokedAndAudits(t *testing.T) {
	ts, store, auditLog := newAdminTestHarness(t)

	if err := store.SaveTrustedDevices("tenant-a", []truststore.TrustedDevice{
		{DeviceID: "dev-1", PublicKeyB64: "abc", CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/admin/api/tenants/tenant-a/devices/dev-1/revoke", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	devices, err := store.LoadTrustedDevices("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || !devices[0].Revoked {
		t.Fatalf("expected device revoked, got %+v", devices)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := auditLog.Recent("tenant-a", 10)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, e := range entries {
			if e.Action == "device_revoked" && e.Actor == "dev-1" {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for device_revoked audit entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdminRevokeDeviceUnknownReturnsNotFound(t *testing.T) {
	ts, _, _ := newAdminTestHarness(t)

	resp, err := http.Post(ts.URL+"/admin/api/tenants/tenant-a/devices/missing/revoke", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminRevokeOrchestratorRevokesAllRecords(t *testing.T) {
	ts, store, _ := newAdminTestHarness(t)

	if err := store.SaveOrchestrators("tenant-a", []truststore.OrchestratorDevice{
		{DeviceID: "ccbox-1", PublicKeyB64: "abc", CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/admin/api/tenants/tenant-a/ccbox/revoke", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	devices, err := store.LoadOrchestrators("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || !devices[0].Revoked {
		t.Fatalf("expected orchestrator revoked, got %+v", devices)
	}
}

func TestAdminListAuditFiltersByTenant(t *testing.T) {
	ts, _, auditLog := newAdminTestHarness(t)

	if err := auditLog.Append(audit.Entry{ID: "1", Timestamp: time.Now().UTC(), Tenant: "tenant-a", Action: "x", Actor: "y"}); err != nil {
		t.Fatal(err)
	}
	if err := auditLog.Append(audit.Entry{ID: "2", Timestamp: time.Now().UTC(), Tenant: "tenant-b", Action: "x", Actor: "y"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/admin/api/audit?tenant=tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Tenant != "tenant-a" {
		t.Fatalf("expected one tenant-a entry, got %+v", body.Entries)
	}
}
