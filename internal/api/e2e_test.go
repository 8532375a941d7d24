package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/ccbox-relay/internal/authmsg"
	"github.com/openclaw/ccbox-relay/internal/metrics"
	"github.com/openclaw/ccbox-relay/internal/pairing"
	"github.com/openclaw/ccbox-relay/internal/ratelimit"
	"github.com/openclaw/ccbox-relay/internal/registry"
	"github.com/openclaw/ccbox-relay/internal/relay"
	"github.com/openclaw/ccbox-relay/internal/truststore"
)

type testHarness struct {
	ts      *httptest.Server
	tenant  string
	pairing *pairing.Engine
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := truststore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	pairingEngine := pairing.New(store)
	m := metrics.New(logger)
	relaySrv := relay.New(store, pairingEngine, reg, nil, m, logger)
	limiter := ratelimit.New()

	router := NewRelayRouter(Config{TenantDomain: "ccbox.app"}, relaySrv, pairingEngine, limiter, nil, m, logger)
	ts := httptest.NewServer(router)

	return &testHarness{ts: ts, tenant: strings.ToLower(uuid.NewString()), pairing: pairingEngine}
}

func (h *testHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readE2EEnvelope(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

type wireEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Ts      string          `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func writeE2EEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := wireEnvelope{V: 1, Type: typ, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func authenticateOrchestrator(t *testing.T, conn *websocket.Conn, tenant string, pub ed25519.PublicKey, priv ed25519.PrivateKey) {
	t.Helper()
	writeE2EEnvelope(t, conn, "auth/hello", map[string]string{"device_id": tenant, "device_kind": "ccbox"})
	challenge := readE2EEnvelope(t, conn)
	if challenge.Type != "auth/challenge" {
		t.Fatalf("expected auth/challenge, got %s", challenge.Type)
	}
	var ch struct {
		NonceB64 string `json:"nonce_b64"`
	}
	json.Unmarshal(challenge.Payload, &ch)
	nonce, _ := base64.StdEncoding.DecodeString(ch.NonceB64)
	sig := ed25519.Sign(priv, authmsg.Build("ccbox", tenant, nonce))
	writeE2EEnvelope(t, conn, "auth/response", map[string]string{
		"signature_b64":  base64.StdEncoding.EncodeToString(sig),
		"public_key_b64": base64.StdEncoding.EncodeToString(pub),
	})
	ok := readE2EEnvelope(t, conn)
	if ok.Type != "auth/ok" {
		t.Fatalf("orchestrator auth failed: %s %s", ok.Type, ok.Payload)
	}
}

func authenticateClient(t *testing.T, conn *websocket.Conn, deviceID string, priv ed25519.PrivateKey) {
	t.Helper()
	writeE2EEnvelope(t, conn, "auth/hello", map[string]string{"device_id": deviceID, "device_kind": "client"})
	challenge := readE2EEnvelope(t, conn)
	if challenge.Type != "auth/challenge" {
		t.Fatalf("expected auth/challenge, got %s", challenge.Type)
	}
	var ch struct {
		NonceB64 string `json:"nonce_b64"`
	}
	json.Unmarshal(challenge.Payload, &ch)
	nonce, _ := base64.StdEncoding.DecodeString(ch.NonceB64)
	sig := ed25519.Sign(priv, authmsg.Build("client", deviceID, nonce))
	writeE2EEnvelope(t, conn, "auth/response", map[string]string{
		"signature_b64": base64.StdEncoding.EncodeToString(sig),
	})
	ok := readE2EEnvelope(t, conn)
	if ok.Type != "auth/ok" {
		t.Fatalf("client auth failed: %s %s", ok.Type, ok.Payload)
	}
}

// TestPairingCreateApproveThenClientConnects covers pairing creation by
// the orchestrator, HTTP approval, and the resulting client session
// authenticating with its newly trusted key.
func TestPairingCreateApproveThenClientConnects(t *testing.T) {
	h := newTestHarness(t)
	defer h.ts.Close()

	orchPub, orchPriv, _ := ed25519.GenerateKey(nil)
	orchConn := dial(t, h.wsURL("/ccbox?guid="+h.tenant))
	defer orchConn.Close()
	authenticateOrchestrator(t, orchConn, h.tenant, orchPub, orchPriv)
	writeE2EEnvelope(t, orchConn, "ccbox/register", map[string]string{"ccbox_id": h.tenant})

	writeE2EEnvelope(t, orchConn, "ccbox/pairing/create", map[string]int{})
	pairOK := readE2EEnvelope(t, orchConn)
	if pairOK.Type != "ccbox/pairing/ok" {
		t.Fatalf("expected ccbox/pairing/ok, got %s %s", pairOK.Type, pairOK.Payload)
	}
	var pairResp struct {
		PairingCode string `json:"pairing_code"`
	}
	json.Unmarshal(pairOK.Payload, &pairResp)

	clientPub, clientPriv, _ := ed25519.GenerateKey(nil)
	clientDeviceID := uuid.NewString()

	body, _ := json.Marshal(map[string]string{
		"guid":           h.tenant,
		"pairing_code":   pairResp.PairingCode,
		"device_id":      clientDeviceID,
		"public_key_b64": base64.StdEncoding.EncodeToString(clientPub),
		"label":          "test-browser",
	})
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/pair", bytes.NewReader(body))
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair approve status = %d", resp.StatusCode)
	}

	clientConn := dial(t, h.wsURL("/client?guid="+h.tenant))
	defer clientConn.Close()
	authenticateClient(t, clientConn, clientDeviceID, clientPriv)
}

// TestMuxRoundTrip wires an authenticated orchestrator and a pre-trusted
// client, then drives a full rpc/request -> mux/frame -> rpc/response
// round trip through the relay.
func TestMuxRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	defer h.ts.Close()

	orchPub, orchPriv, _ := ed25519.GenerateKey(nil)
	orchConn := dial(t, h.wsURL("/ccbox?guid="+h.tenant))
	defer orchConn.Close()
	authenticateOrchestrator(t, orchConn, h.tenant, orchPub, orchPriv)
	writeE2EEnvelope(t, orchConn, "ccbox/register", map[string]string{"ccbox_id": h.tenant})

	// Trust a client device through the pairing flow (ccbox/pairing/create,
	// then HTTP approval on /pair) before driving the round trip.
	writeE2EEnvelope(t, orchConn, "ccbox/pairing/create", map[string]int{})
	pairOK := readE2EEnvelope(t, orchConn)
	var pairResp struct {
		PairingCode string `json:"pairing_code"`
	}
	json.Unmarshal(pairOK.Payload, &pairResp)

	clientPub, clientPriv, _ := ed25519.GenerateKey(nil)
	clientDeviceID := uuid.NewString()
	body, _ := json.Marshal(map[string]string{
		"guid":           h.tenant,
		"pairing_code":   pairResp.PairingCode,
		"device_id":      clientDeviceID,
		"public_key_b64": base64.StdEncoding.EncodeToString(clientPub),
	})
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/pair", bytes.NewReader(body))
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	clientConn := dial(t, h.wsURL("/client?guid="+h.tenant))
	defer clientConn.Close()
	authenticateClient(t, clientConn, clientDeviceID, clientPriv)

	writeE2EEnvelope(t, clientConn, "rpc/request", map[string]string{"id": "req-1", "method": "ping"})

	frame := readE2EEnvelope(t, orchConn)
	if frame.Type != "mux/frame" {
		t.Fatalf("expected mux/frame on orchestrator side, got %s", frame.Type)
	}
	var muxIn struct {
		SessionID  string `json:"session_id"`
		StreamID   int    `json:"stream_id"`
		PayloadB64 string `json:"payload_b64"`
	}
	json.Unmarshal(frame.Payload, &muxIn)
	if muxIn.StreamID != 10 {
		t.Fatalf("expected control stream id 10, got %d", muxIn.StreamID)
	}
	innerRaw, _ := base64.StdEncoding.DecodeString(muxIn.PayloadB64)
	var inner relay.Envelope
	json.Unmarshal(innerRaw, &inner)
	if inner.Type != "rpc/request" {
		t.Fatalf("expected wrapped rpc/request, got %s", inner.Type)
	}

	replyRaw, _ := json.Marshal(map[string]interface{}{
		"v": 1, "type": "rpc/response",
		"payload": map[string]interface{}{"id": "req-1", "ok": true},
	})
	writeE2EEnvelope(t, orchConn, "mux/frame", map[string]interface{}{
		"session_id":  muxIn.SessionID,
		"stream_id":   10,
		"payload_b64": base64.StdEncoding.EncodeToString(replyRaw),
	})

	clientReply := readE2EEnvelope(t, clientConn)
	if clientReply.Type != "rpc/response" {
		t.Fatalf("expected rpc/response on client side, got %s", clientReply.Type)
	}
}

// TestClientOfflineResponseWithNoOrchestrator covers the synthetic
// CCBoxOffline response when an rpc/request arrives for a tenant with no
// registered orchestrator. The client device is trusted directly through
// the pairing engine so the scenario needs no orchestrator connection at
// all.
func TestClientOfflineResponseWithNoOrchestrator(t *testing.T) {
	h := newTestHarness(t)
	defer h.ts.Close()

	ensured, err := h.pairing.EnsurePairing(h.tenant, 120, relay.PairingDefaultAttempts)
	if err != nil {
		t.Fatal(err)
	}

	clientPub, clientPriv, _ := ed25519.GenerateKey(nil)
	clientDeviceID := uuid.NewString()
	if err := h.pairing.ApprovePairing(h.tenant, pairing.ApproveParams{
		PairingCode:  ensured.Record.CodeBase32,
		DeviceID:     clientDeviceID,
		PublicKeyB64: base64.StdEncoding.EncodeToString(clientPub),
	}); err != nil {
		t.Fatal(err)
	}

	clientConn := dial(t, h.wsURL("/client?guid="+h.tenant))
	defer clientConn.Close()
	authenticateClient(t, clientConn, clientDeviceID, clientPriv)

	writeE2EEnvelope(t, clientConn, "rpc/request", map[string]string{"id": "req-1", "method": "ping"})

	reply := readE2EEnvelope(t, clientConn)
	if reply.Type != "rpc/response" {
		t.Fatalf("expected synthetic rpc/response, got %s", reply.Type)
	}
	var rpcReply struct {
		OK    bool `json:"ok"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(reply.Payload, &rpcReply)
	if rpcReply.OK || rpcReply.Error.Code != "CCBoxOffline" {
		t.Fatalf("expected CCBoxOffline error, got %+v", rpcReply)
	}
}

// TestPairingWrongCodeLocksAfterAttemptsExhausted exercises the HTTP
// approval path's attempt-limited lockout: the Nth wrong code still
// reports PairingInvalid, and only the next attempt after attempts are
// exhausted reports PairingLocked.
func TestPairingWrongCodeLocksAfterAttemptsExhausted(t *testing.T) {
	h := newTestHarness(t)
	defer h.ts.Close()

	orchPub, orchPriv, _ := ed25519.GenerateKey(nil)
	orchConn := dial(t, h.wsURL("/ccbox?guid="+h.tenant))
	defer orchConn.Close()
	authenticateOrchestrator(t, orchConn, h.tenant, orchPub, orchPriv)
	writeE2EEnvelope(t, orchConn, "ccbox/register", map[string]string{"ccbox_id": h.tenant})
	writeE2EEnvelope(t, orchConn, "ccbox/pairing/create", map[string]int{})
	readE2EEnvelope(t, orchConn) // pairing/ok

	clientPub, _, _ := ed25519.GenerateKey(nil)
	attempt := func() (int, string) {
		body, _ := json.Marshal(map[string]string{
			"guid":           h.tenant,
			"pairing_code":   "WRONGCODE1",
			"device_id":      uuid.NewString(),
			"public_key_b64": base64.StdEncoding.EncodeToString(clientPub),
		})
		req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/pair", bytes.NewReader(body))
		req.Header.Set("Origin", "http://localhost:3000")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var decoded pairApproveResponse
		json.NewDecoder(resp.Body).Decode(&decoded)
		return resp.StatusCode, decoded.Error
	}

	var status int
	var code string
	for i := 0; i < relay.PairingDefaultAttempts; i++ {
		status, code = attempt()
	}
	if status != http.StatusBadRequest || code != "PairingInvalid" {
		t.Fatalf("expected the 5th wrong attempt to be 400 PairingInvalid, got %d %s", status, code)
	}

	// The 6th attempt observes attempts_remaining already at zero; the
	// spec's /pair contract still reports it as 400, distinguished only
	// by the error code.
	status, code = attempt()
	if status != http.StatusBadRequest || code != "PairingLocked" {
		t.Fatalf("expected 400 PairingLocked on the 6th failed attempt, got %d %s", status, code)
	}
}
