// Package relay implements the per-socket authentication state machine
// and the post-auth relay core: orchestrator registration, mux frame
// forwarding, offline synthetic responses, and connection cleanup.
package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/ccbox-relay/internal/audit"
	"github.com/openclaw/ccbox-relay/internal/authmsg"
	"github.com/openclaw/ccbox-relay/internal/metrics"
	"github.com/openclaw/ccbox-relay/internal/pairing"
	"github.com/openclaw/ccbox-relay/internal/registry"
	"github.com/openclaw/ccbox-relay/internal/truststore"
)

// ChallengeWindow is how long an issued auth/challenge remains valid.
const ChallengeWindow = 10 * time.Second

// PairingDefaultAttempts is the initial attempts_remaining on a freshly
// created pairing record.
const PairingDefaultAttempts = 5

type authState int

const (
	authAwaitHello authState = iota
	authAwaitResponse
	authAuthenticated
)

// Server holds the shared state every relay connection dispatches
// against.
type Server struct {
	Store    *truststore.Store
	Pairing  *pairing.Engine
	Registry *registry.Registry
	Audit    *audit.Log
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	now func() time.Time
}

// New returns a Server wired to its collaborators.
func New(store *truststore.Store, pairingEngine *pairing.Engine, reg *registry.Registry, auditLog *audit.Log, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		Store:    store,
		Pairing:  pairingEngine,
		Registry: reg,
		Audit:    auditLog,
		Metrics:  m,
		Logger:   logger,
		now:      time.Now,
	}
}

// HandleConnection drives one accepted WebSocket through the auth state
// machine (AwaitHello -> AwaitResponse -> Authenticated) and then relay
// dispatch, until the socket closes. kind is KindOrchestrator or
// KindClient, tenant is the resolved tenant GUID for this socket.
//
// A protocol violation during auth (wrong device kind, bad device id,
// guid mismatch, expired challenge, bad signature, unknown/revoked
// device) sends auth/err and ends the connection. An envelope of the
// wrong type for the current auth state is dropped silently and the
// state machine keeps waiting, matching the reference relay rather than
// treating it as fatal.
func (s *Server) HandleConnection(ws *websocket.Conn, kind, tenant, remoteIP string) {
	connID := uuid.NewString()
	logger := s.Logger.With("conn_id", connID, "kind", kind, "tenant", tenant, "remote_ip", remoteIP)
	conn := newConnection(connID, kind, tenant, ws, logger)

	if s.Metrics != nil {
		s.Metrics.Connections.WithLabelValues(kind).Inc()
	}

	go conn.writePump()
	defer conn.closeGracefully(cleanupGrace)

	state := authAwaitHello
	var deviceID string
	var nonce []byte
	var expiresAt time.Time
	var sessionID string
	registered := false

readLoop:
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("relay: read loop ended", "error", err)
			break
		}
		data = normalizeFrame(msgType, data)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed JSON is dropped silently, pre- and post-auth alike
		}
		if env.V != EnvelopeVersion {
			continue
		}

		switch state {
		case authAwaitHello:
			id, ok := s.handleHello(conn, kind, tenant, env)
			if !ok {
				return
			}
			if id == "" {
				continue // envelope type didn't match; keep waiting for auth/hello
			}
			deviceID = id
			nonce = make([]byte, 32)
			if _, err := rand.Read(nonce); err != nil {
				s.failAuth(conn, kind, deviceID, ErrInternal)
				return
			}
			expiresAt = s.now().Add(ChallengeWindow)
			conn.writeEnvelope(TypeAuthChallenge, challengePayload{
				NonceB64:    base64.StdEncoding.EncodeToString(nonce),
				ExpiresInMs: ChallengeWindow.Milliseconds(),
			})
			state = authAwaitResponse

		case authAwaitResponse:
			ok, matched := s.handleResponse(conn, kind, tenant, deviceID, env, nonce, expiresAt)
			if !matched {
				continue // envelope type didn't match; keep waiting for auth/response
			}
			if !ok {
				return
			}
			conn.writeEnvelope(TypeAuthOK, authOKPayload{DeviceID: deviceID})
			if s.Metrics != nil {
				s.Metrics.AuthOutcomes.WithLabelValues(kind, "ok").Inc()
			}
			s.auditAppend(tenant, "auth_ok", deviceID, kind)
			logger.Info("relay: authenticated", "device_id", deviceID)

			if kind == KindClient {
				sessionID = uuid.NewString()
				s.Registry.RegisterClient(sessionID, registry.ClientHandle{ConnID: connID, Send: conn})
				defer s.Registry.RemoveClient(sessionID)
			}
			state = authAuthenticated

		case authAuthenticated:
			switch kind {
			case KindOrchestrator:
				if !s.dispatchOrchestrator(conn, tenant, connID, env, &registered) {
					break readLoop
				}
			case KindClient:
				s.dispatchClient(conn, tenant, sessionID, env)
			}
		}
	}

	if kind == KindOrchestrator && registered {
		s.Registry.RemoveOrchestrator(tenant, connID)
		logger.Info("relay: orchestrator connection closed", "result", "closed")
	}
}

// normalizeFrame decodes binary frames as UTF-8 lossy; text frames pass
// through unchanged.
func normalizeFrame(msgType int, data []byte) []byte {
	if msgType == websocket.BinaryMessage {
		return []byte(strings.ToValidUTF8(string(data), "�"))
	}
	return data
}

// handleHello processes one envelope in the AwaitHello state. It returns
// ("", true) if env wasn't an auth/hello (caller should keep waiting),
// (deviceID, true) on a valid hello, or ("", false) if auth failed fatally.
func (s *Server) handleHello(conn *connection, kind, tenant string, env Envelope) (string, bool) {
	if env.Type != TypeAuthHello {
		return "", true
	}
	var hello helloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return "", true // malformed payload: keep waiting, per reference relay
	}
	if hello.DeviceKind != kind {
		s.failAuth(conn, kind, hello.DeviceID, ErrDeviceKindMismatch)
		return "", false
	}
	if _, err := uuid.Parse(hello.DeviceID); err != nil {
		s.failAuth(conn, kind, hello.DeviceID, ErrInvalidDeviceID)
		return "", false
	}
	if kind == KindOrchestrator && strings.ToLower(hello.DeviceID) != tenant {
		s.failAuth(conn, kind, hello.DeviceID, ErrGuidMismatch)
		return "", false
	}
	return hello.DeviceID, true
}

// handleResponse processes one envelope in the AwaitResponse state.
// matched is false if env wasn't an auth/response or had a malformed
// payload (caller should keep waiting); ok is false on any verification
// failure (caller should stop, auth/err already sent).
func (s *Server) handleResponse(conn *connection, kind, tenant, deviceID string, env Envelope, nonce []byte, expiresAt time.Time) (ok, matched bool) {
	if env.Type != TypeAuthResponse {
		return false, false
	}
	if s.now().After(expiresAt) {
		s.failAuth(conn, kind, deviceID, ErrChallengeExpired)
		return false, true
	}

	var resp responsePayload
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return false, false // malformed payload: keep waiting
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		s.failAuth(conn, kind, deviceID, ErrBadSignature)
		return false, true
	}

	var code AuthErrCode
	if kind == KindOrchestrator {
		code = s.verifyOrchestrator(tenant, deviceID, resp, nonce, sig)
	} else {
		code = s.verifyClient(tenant, deviceID, nonce, sig)
	}
	if code != "" {
		s.failAuth(conn, kind, deviceID, code)
		return false, true
	}
	return true, true
}

func (s *Server) failAuth(conn *connection, kind, deviceID string, code AuthErrCode) {
	conn.writeEnvelope(TypeAuthErr, authErrPayload{Code: string(code)})
	conn.logger.Warn("relay: auth failed", "device_id", deviceID, "code", string(code))
	if s.Metrics != nil {
		s.Metrics.AuthOutcomes.WithLabelValues(kind, string(code)).Inc()
	}
	s.auditAppend(conn.tenant, "auth_failed", deviceID, string(code))
}

// verifyClient checks a client's signature against its trust-store
// entry. public_key_b64 from the hello payload is never consulted.
func (s *Server) verifyClient(tenant, deviceID string, nonce, sig []byte) AuthErrCode {
	devices, err := s.Store.LoadTrustedDevices(tenant)
	if err != nil {
		return ErrInternal
	}
	dev := findDevice(devices, deviceID)
	if dev == nil {
		return ErrDeviceUnknown
	}
	if dev.Revoked {
		return ErrDeviceRevoked
	}
	pub, err := base64.StdEncoding.DecodeString(dev.PublicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	msg := authmsg.Build(KindClient, deviceID, nonce)
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}

	now := s.now().UTC()
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			devices[i].LastSeenAt = &now
		}
	}
	if err := s.Store.SaveTrustedDevices(tenant, devices); err != nil {
		s.Logger.Error("relay: failed to persist last_seen_at", "tenant", tenant, "device_id", deviceID, "error", err)
	}
	return ""
}

// verifyOrchestrator checks an orchestrator's signature, registering a
// new key on first contact for this tenant (trust-on-first-use).
func (s *Server) verifyOrchestrator(tenant, deviceID string, resp responsePayload, nonce, sig []byte) AuthErrCode {
	devices, err := s.Store.LoadOrchestrators(tenant)
	if err != nil {
		return ErrInternal
	}
	msg := authmsg.Build(KindOrchestrator, deviceID, nonce)

	if dev := findOrchestrator(devices, deviceID); dev != nil {
		if dev.Revoked {
			return ErrDeviceRevoked
		}
		pub, err := base64.StdEncoding.DecodeString(dev.PublicKeyB64)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return ErrBadSignature
		}
		if !ed25519.Verify(pub, msg, sig) {
			return ErrBadSignature
		}
		now := s.now().UTC()
		for i := range devices {
			if devices[i].DeviceID == deviceID {
				devices[i].LastSeenAt = &now
			}
		}
		if err := s.Store.SaveOrchestrators(tenant, devices); err != nil {
			s.Logger.Error("relay: failed to persist last_seen_at", "tenant", tenant, "device_id", deviceID, "error", err)
		}
		return ""
	}

	// Trust-on-first-use: the presented key is accepted unconditionally
	// for an unknown ccbox_id, per spec.md §9.
	pub, err := base64.StdEncoding.DecodeString(resp.PublicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	devices = append(devices, truststore.OrchestratorDevice{
		DeviceID:     deviceID,
		PublicKeyB64: resp.PublicKeyB64,
		CreatedAt:    s.now().UTC(),
	})
	if err := s.Store.SaveOrchestrators(tenant, devices); err != nil {
		return ErrInternal
	}
	s.auditAppend(tenant, "ccbox_tofu_registered", deviceID, "relay")
	return ""
}

func findDevice(devices []truststore.TrustedDevice, id string) *truststore.TrustedDevice {
	for i := range devices {
		if devices[i].DeviceID == id {
			return &devices[i]
		}
	}
	return nil
}

func findOrchestrator(devices []truststore.OrchestratorDevice, id string) *truststore.OrchestratorDevice {
	for i := range devices {
		if devices[i].DeviceID == id {
			return &devices[i]
		}
	}
	return nil
}

// auditAppend writes an audit entry on a separate goroutine so a slow
// audit DB write never stalls the reader loop.
func (s *Server) auditAppend(tenant, action, deviceID, detail string) {
	if s.Audit == nil {
		return
	}
	entry := audit.Entry{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		Tenant:    tenant,
		Action:    action,
		Detail:    detail,
		Actor:     deviceID,
	}
	go func() {
		if err := s.Audit.Append(entry); err != nil {
			s.Logger.Error("relay: audit append failed", "error", err)
		}
	}()
}
