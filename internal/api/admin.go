package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/ccbox-relay/internal/audit"
	"github.com/openclaw/ccbox-relay/internal/metrics"
	"github.com/openclaw/ccbox-relay/internal/registry"
	"github.com/openclaw/ccbox-relay/internal/truststore"
)

// NewAdminRouter creates the router for relay operations: dashboard
// counts, per-tenant device/orchestrator management, audit lookup, and
// Prometheus metrics. JSON-only; this relay has no bundled UI.
func NewAdminRouter(store *truststore.Store, reg *registry.Registry, auditLog *audit.Log, m *metrics.Metrics, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &adminHandler{store: store, registry: reg, audit: auditLog, logger: logger}

	r.Route("/admin/api", func(r chi.Router) {
		r.Get("/dashboard", h.getDashboard)
		r.Get("/tenants/{guid}/devices", h.listDevices)
		r.Post("/tenants/{guid}/devices/{device_id}/revoke", h.revokeDevice)
		r.Get("/tenants/{guid}/ccbox", h.getOrchestrator)
		r.Post("/tenants/{guid}/ccbox/revoke", h.revokeOrchestrator)
		r.Get("/audit", h.listAudit)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	return r
}

type adminHandler struct {
	store    *truststore.Store
	registry *registry.Registry
	audit    *audit.Log
	logger   *slog.Logger
}

// DashboardResponse summarizes the relay's live state.
type DashboardResponse struct {
	ConnectedOrchestrators int `json:"connected_orchestrators"`
	LiveClientSessions     int `json:"live_client_sessions"`
	ActivePairingRecords   int `json:"active_pairing_records"`
	RecentAuditEntries     int `json:"recent_audit_entries"`
}

func (h *adminHandler) getDashboard(w http.ResponseWriter, r *http.Request) {
	pairingCount, err := h.store.ActivePairingCount(time.Now)
	if err != nil {
		h.logger.Error("admin: count active pairings failed", "error", err)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := DashboardResponse{
		ConnectedOrchestrators: h.registry.OrchestratorCount(),
		LiveClientSessions:     h.registry.ClientCount(),
		ActivePairingRecords:   pairingCount,
	}

	if h.audit != nil {
		entries, err := h.audit.Recent("", 20)
		if err != nil {
			h.logger.Error("admin: recent audit failed", "error", err)
		} else {
			resp.RecentAuditEntries = len(entries)
		}
	}

	h.jsonResponse(w, resp)
}

func (h *adminHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	devices, err := h.store.LoadTrustedDevices(guid)
	if err != nil {
		h.logger.Error("admin: load trusted devices failed", "error", err, "guid", guid)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, struct {
		Devices []truststore.TrustedDevice `json:"devices"`
	}{Devices: devices})
}

func (h *adminHandler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	deviceID := chi.URLParam(r, "device_id")

	devices, err := h.store.LoadTrustedDevices(guid)
	if err != nil {
		h.logger.Error("admin: load trusted devices failed", "error", err, "guid", guid)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	found := false
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			devices[i].Revoked = true
			found = true
			break
		}
	}
	if !found {
		h.jsonError(w, "device not found", http.StatusNotFound)
		return
	}

	if err := h.store.SaveTrustedDevices(guid, devices); err != nil {
		h.logger.Error("admin: save trusted devices failed", "error", err, "guid", guid)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.auditAppend(guid, "device_revoked", deviceID)
	h.jsonResponse(w, map[string]bool{"ok": true})
}

func (h *adminHandler) getOrchestrator(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	devices, err := h.store.LoadOrchestrators(guid)
	if err != nil {
		h.logger.Error("admin: load orchestrators failed", "error", err, "guid", guid)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, struct {
		CCBox []truststore.OrchestratorDevice `json:"ccbox"`
	}{CCBox: devices})
}

func (h *adminHandler) revokeOrchestrator(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	devices, err := h.store.LoadOrchestrators(guid)
	if err != nil {
		h.logger.Error("admin: load orchestrators failed", "error", err, "guid", guid)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	for i := range devices {
		devices[i].Revoked = true
	}
	if err := h.store.SaveOrchestrators(guid, devices); err != nil {
		h.logger.Error("admin: save orchestrators failed", "error", err, "guid", guid)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.auditAppend(guid, "ccbox_revoked", "")
	h.jsonResponse(w, map[string]bool{"ok": true})
}

func (h *adminHandler) listAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.jsonResponse(w, struct {
			Entries []audit.Entry `json:"entries"`
		}{})
		return
	}

	tenant := r.URL.Query().Get("tenant")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.audit.Recent(tenant, limit)
	if err != nil {
		h.logger.Error("admin: recent audit failed", "error", err)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, struct {
		Entries []audit.Entry `json:"entries"`
	}{Entries: entries})
}

func (h *adminHandler) auditAppend(tenant, action, actor string) {
	if h.audit == nil {
		return
	}
	entry := audit.Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Tenant:    tenant,
		Action:    action,
		Actor:     actor,
		Detail:    "admin",
	}
	go func() {
		if err := h.audit.Append(entry); err != nil {
			h.logger.Error("admin: audit append failed", "error", err)
		}
	}()
}

func (h *adminHandler) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *adminHandler) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
