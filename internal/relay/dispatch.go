package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/openclaw/ccbox-relay/internal/registry"
)

// defaultPairingTTLSeconds is used when ccbox/pairing/create omits
// ttl_seconds.
const defaultPairingTTLSeconds = 120

// dispatchOrchestrator handles one envelope from an authenticated
// orchestrator socket. registered is flipped true on a successful
// ccbox/register so HandleConnection knows to clean up the registry
// entry on close. The returned bool reports whether the read loop
// should keep going; a GUID-mismatched ccbox/register closes the
// connection with no reply, matching the reference relay.
func (s *Server) dispatchOrchestrator(conn *connection, tenant, connID string, env Envelope, registered *bool) bool {
	switch env.Type {
	case TypePairingCreate:
		s.handlePairingCreate(conn, tenant, env)

	case TypeCCBoxRegister:
		var req registerPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return true
		}
		if strings.ToLower(req.CCBoxID) != tenant {
			return false
		}
		s.Registry.RegisterOrchestrator(tenant, registry.OrchestratorHandle{ConnID: connID, Send: conn})
		*registered = true
		conn.logger.Info("relay: orchestrator registered", "device_id", req.CCBoxID, "result", "registered")
		s.auditAppend(tenant, "ccbox_registered", req.CCBoxID, connID)

	case TypeMuxFrame:
		s.forwardMuxFrame(conn, env)

	default:
		// unknown envelope types are dropped silently
	}
	return true
}

func (s *Server) handlePairingCreate(conn *connection, tenant string, env Envelope) {
	var req pairingCreatePayload
	_ = json.Unmarshal(env.Payload, &req)

	ttl := defaultPairingTTLSeconds
	if req.TTLSeconds != nil {
		ttl = *req.TTLSeconds
	}

	res, err := s.Pairing.EnsurePairing(tenant, ttl, PairingDefaultAttempts)
	if err != nil {
		conn.writeEnvelope(TypePairingErr, pairingErrPayload{Code: string(ErrInternal)})
		if s.Metrics != nil {
			s.Metrics.PairingOutcomes.WithLabelValues("error").Inc()
		}
		return
	}

	conn.writeEnvelope(TypePairingOK, pairingOKPayload{
		PairingCode:       res.Record.CodeBase32,
		ExpiresAt:         res.Record.ExpiresAt.Format(time.RFC3339),
		AttemptsRemaining: res.Record.AttemptsRemaining,
		Reused:            res.Reused,
	})
	result := "created"
	if res.Reused {
		result = "reused"
	}
	if s.Metrics != nil {
		s.Metrics.PairingOutcomes.WithLabelValues(result).Inc()
	}
	s.auditAppend(tenant, "pairing_"+result, "", conn.id)
}

// forwardMuxFrame routes an orchestrator's mux/frame to the addressed
// client session, dropping silently on any addressing mismatch.
func (s *Server) forwardMuxFrame(conn *connection, env Envelope) {
	var frame muxFramePayload
	if err := json.Unmarshal(env.Payload, &frame); err != nil {
		return
	}
	if frame.StreamID != ControlStreamID {
		return
	}
	client, ok := s.Registry.Client(frame.SessionID)
	if !ok {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(frame.PayloadB64)
	if err != nil {
		return
	}
	client.Send.Push(payload)
	if s.Metrics != nil {
		s.Metrics.MuxFrames.WithLabelValues("to_client").Inc()
	}
}

// dispatchClient handles one envelope from an authenticated client
// socket: either the tenant has no registered orchestrator and this is
// an rpc/request (synthesize an offline response), or the entire
// envelope is wrapped into a mux/frame and forwarded.
func (s *Server) dispatchClient(conn *connection, tenant, sessionID string, env Envelope) {
	if env.Type == TypeRPCRequest {
		if id, ok := rpcRequestID(env.Payload); ok {
			if _, hasOrchestrator := s.Registry.Orchestrator(tenant); !hasOrchestrator {
				conn.writeEnvelope(TypeRPCResponse, rpcResponsePayload{
					ID: id,
					OK: false,
					Error: rpcErrorDetail{
						Code:    "CCBoxOffline",
						Message: "ccbox offline",
					},
				})
				return
			}
		}
	}

	orch, ok := s.Registry.Orchestrator(tenant)
	if !ok {
		// No orchestrator and not a recognized rpc/request: drop silently.
		return
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	frameMsg, err := newEnvelope(TypeMuxFrame, muxFramePayload{
		SessionID:  sessionID,
		StreamID:   ControlStreamID,
		PayloadB64: base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return
	}
	orch.Send.Push(frameMsg)
	if s.Metrics != nil {
		s.Metrics.MuxFrames.WithLabelValues("to_ccbox").Inc()
	}
}

// rpcRequestID reports whether payload carries a string "id" field, the
// signal used to recognize an rpc/request worth an offline response.
func rpcRequestID(payload json.RawMessage) (string, bool) {
	var v struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(payload, &v); err != nil || v.ID == nil {
		return "", false
	}
	return *v.ID, true
}
