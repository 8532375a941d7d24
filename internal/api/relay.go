// Package api provides the relay's two HTTP surfaces: the public relay
// router (WebSocket upgrades and the pairing approval endpoint) and the
// admin/ops router (dashboard, device management, audit, metrics).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/ccbox-relay/internal/audit"
	"github.com/openclaw/ccbox-relay/internal/metrics"
	"github.com/openclaw/ccbox-relay/internal/pairing"
	"github.com/openclaw/ccbox-relay/internal/ratelimit"
	"github.com/openclaw/ccbox-relay/internal/relay"
)

const (
	pairRateLimit   = 20
	wsRateLimit     = 60
	rateLimitWindow = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin policy applied before upgrade
}

// Config carries the relay's public-facing settings.
type Config struct {
	TenantDomain string
}

type relayHandler struct {
	cfg     Config
	relay   *relay.Server
	pairing *pairing.Engine
	limiter *ratelimit.Limiter
	audit   *audit.Log
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRelayRouter builds the router serving orchestrator/client WebSocket
// upgrades and the pairing approval endpoint.
func NewRelayRouter(cfg Config, relaySrv *relay.Server, pairingEngine *pairing.Engine, limiter *ratelimit.Limiter, auditLog *audit.Log, m *metrics.Metrics, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &relayHandler{
		cfg:     cfg,
		relay:   relaySrv,
		pairing: pairingEngine,
		limiter: limiter,
		audit:   auditLog,
		metrics: m,
		logger:  logger,
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ccbox-relay"))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/ccbox", h.handleOrchestrator)
	r.Get("/client", h.handleClient)

	r.Options("/pair", h.handlePairOptions)
	r.Post("/pair", h.handlePairApprove)

	return r
}

func (h *relayHandler) rateLimitRejected(w http.ResponseWriter, route, ip string) {
	if h.metrics != nil {
		h.metrics.RateLimitRejects.WithLabelValues(route).Inc()
	}
	h.logger.Warn("api: rate limited", "route", route, "remote_ip", ip, "code", "RateLimited")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"ok":false,"error":"RateLimited"}`))
}

func (h *relayHandler) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	h.handleUpgrade(w, r, relay.KindOrchestrator, "ws_ccbox")
}

func (h *relayHandler) handleClient(w http.ResponseWriter, r *http.Request) {
	h.handleUpgrade(w, r, relay.KindClient, "ws_client")
}

func (h *relayHandler) handleUpgrade(w http.ResponseWriter, r *http.Request, kind, rateLimitRoute string) {
	ip := resolveRequestIP(r)
	if !h.limiter.Allow(rateLimitRoute+":"+ip, wsRateLimit, rateLimitWindow) {
		h.rateLimitRejected(w, rateLimitRoute, ip)
		return
	}

	guid, ok := resolveGUID(r.Host, r.URL.Query().Get("guid"), h.cfg.TenantDomain)
	if !ok {
		http.Error(w, "InvalidGuid", http.StatusBadRequest)
		return
	}

	if kind == relay.KindClient {
		origin := r.Header.Get("Origin")
		if shouldEnforceOrigin(r.Host, h.cfg.TenantDomain) && !isAllowedClientOrigin(origin, h.cfg.TenantDomain) {
			http.Error(w, "OriginNotAllowed", http.StatusForbidden)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("api: websocket upgrade failed", "error", err, "kind", kind)
		return
	}

	h.relay.HandleConnection(ws, kind, guid, ip)
}

func (h *relayHandler) handlePairOptions(w http.ResponseWriter, r *http.Request) {
	allowedOrigin, ok := resolveAllowedPairOrigin(r.Host, r.Header.Get("Origin"), h.cfg.TenantDomain)
	if ok {
		applyPairCORSHeaders(w, allowedOrigin, true)
	}
	w.WriteHeader(http.StatusNoContent)
}

type pairApproveRequest struct {
	GUID         string `json:"guid"`
	PairingCode  string `json:"pairing_code"`
	DeviceID     string `json:"device_id"`
	PublicKeyB64 string `json:"public_key_b64"`
	Label        string `json:"label,omitempty"`
}

type pairApproveResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handlePairApprove implements the pairing approval HTTP contract. An
// origin rejected outright gets no CORS headers at all; every other exit
// path applies them whenever an allowed origin was resolved, matching
// the reference relay.
func (h *relayHandler) handlePairApprove(w http.ResponseWriter, r *http.Request) {
	allowedOrigin, originOK := resolveAllowedPairOrigin(r.Host, r.Header.Get("Origin"), h.cfg.TenantDomain)
	if !originOK {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(pairApproveResponse{OK: false, Error: "OriginNotAllowed"})
		return
	}

	ip := resolveRequestIP(r)
	if !h.limiter.Allow("pair:"+ip, pairRateLimit, rateLimitWindow) {
		applyPairCORSHeaders(w, allowedOrigin, false)
		h.rateLimitRejected(w, "pair", ip)
		return
	}

	var req pairApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		applyPairCORSHeaders(w, allowedOrigin, false)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(pairApproveResponse{OK: false, Error: "InvalidParams"})
		return
	}

	guid, ok := resolveGUID(r.Host, req.GUID, h.cfg.TenantDomain)
	if !ok {
		applyPairCORSHeaders(w, allowedOrigin, false)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(pairApproveResponse{OK: false, Error: "InvalidGuid"})
		return
	}

	err := h.pairing.ApprovePairing(guid, pairing.ApproveParams{
		PairingCode:  req.PairingCode,
		DeviceID:     req.DeviceID,
		PublicKeyB64: req.PublicKeyB64,
		Label:        req.Label,
	})

	applyPairCORSHeaders(w, allowedOrigin, false)

	if err != nil {
		status, code, outcome := pairApproveError(err)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(pairApproveResponse{OK: false, Error: code})
		if h.metrics != nil {
			h.metrics.PairingOutcomes.WithLabelValues(outcome).Inc()
		}
		h.auditAppend(guid, "pairing_"+outcome, req.DeviceID)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(pairApproveResponse{OK: true})
	if h.metrics != nil {
		h.metrics.PairingOutcomes.WithLabelValues(string(pairing.OutcomeApproved)).Inc()
	}
	h.auditAppend(guid, "pairing_approved", req.DeviceID)
}

func pairApproveError(err error) (status int, code, outcome string) {
	switch err {
	case pairing.ErrPairingExpired:
		return http.StatusBadRequest, "PairingExpired", string(pairing.OutcomeExpired)
	case pairing.ErrPairingLocked:
		return http.StatusBadRequest, "PairingLocked", string(pairing.OutcomeLocked)
	case pairing.ErrPairingInvalid:
		return http.StatusBadRequest, "PairingInvalid", string(pairing.OutcomeInvalid)
	case pairing.ErrInvalidParams:
		return http.StatusBadRequest, "InvalidParams", string(pairing.OutcomeInvalid)
	default:
		return http.StatusInternalServerError, "Error", "error"
	}
}

func (h *relayHandler) auditAppend(tenant, action, deviceID string) {
	if h.audit == nil {
		return
	}
	entry := audit.Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Tenant:    tenant,
		Action:    action,
		Actor:     deviceID,
		Detail:    "pair",
	}
	go func() {
		if err := h.audit.Append(entry); err != nil {
			h.logger.Error("api: audit append failed", "error", err)
		}
	}()
}
