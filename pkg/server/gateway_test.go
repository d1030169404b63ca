package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestGateway(t *testing.T, tweak ...func(*ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	s := newTestServer(t, tweak...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func sessionToken(t *testing.T, s *Server, identity string) string {
	t.Helper()
	token, err := s.auth.GenerateToken(identity, time.Hour)
	require.NoError(t, err)
	return token
}

func dialGateway(ts *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", "session="+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

// readUntil reads frames until one of msgType arrives
func readUntil(t *testing.T, ws *websocket.Conn, msgType protocol.MessageType) sentFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %q", msgType)
		var f sentFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == msgType {
			return f
		}
	}
}

// connectReady dials, completes the key exchange and waits for the history replay
func connectReady(t *testing.T, s *Server, ts *httptest.Server, identity string) (*websocket.Conn, *testClient) {
	t.Helper()
	ws, _, err := dialGateway(ts, sessionToken(t, s, identity))
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var first sentFrame
	require.NoError(t, json.Unmarshal(raw, &first))
	require.Equal(t, protocol.TypeKeyExchange, first.Type, "server key comes first")
	serverKey := decodeData[protocol.KeyExchangeData](t, first)
	assert.Equal(t, base64.StdEncoding.EncodeToString(s.keys.PublicKey()), serverKey.PublicKey)

	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":      protocol.TypeKeyExchange,
		"publicKey": base64.StdEncoding.EncodeToString(pair.Public),
	}))
	readUntil(t, ws, protocol.TypeHistory)

	return ws, &testClient{pair: pair, key: mustSharedKey(t, pair, s)}
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	s, ts := startTestGateway(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)

	_, resp, err := dialGateway(ts, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialGateway(ts, "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a valid token for an unknown parasite
	_, resp, err = dialGateway(ts, sessionToken(t, s, "ghost"))
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayRejectsInactiveParasite(t *testing.T) {
	s, ts := startTestGateway(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	require.NoError(t, s.db.SetParasiteActive(context.Background(), "a", false))

	_, resp, err := dialGateway(ts, sessionToken(t, s, "a"))
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGatewayEndToEnd(t *testing.T) {
	s, ts := startTestGateway(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "b", "Bob", database.PermissionUser)

	wsA, a := connectReady(t, s, ts, "a")
	wsB, b := connectReady(t, s, ts, "b")

	// a learns that b came online
	online := decodeData[protocol.OnlineData](t, readUntil(t, wsA, protocol.TypeOnline))
	assert.Equal(t, "b", online.Parasite)

	require.NoError(t, wsA.WriteJSON(map[string]any{
		"type":        protocol.TypePrivateMessage,
		"destination": "b",
		"payload":     a.seal(t, `{"message":"hi bob"}`),
	}))

	toB := decodeData[protocol.MessageData](t, readUntil(t, wsB, protocol.TypeMessage))
	assert.Equal(t, "a", toB.Sender)
	assert.Equal(t, `{"message":"hi bob"}`, b.open(t, toB.Payload))

	echo := decodeData[protocol.MessageData](t, readUntil(t, wsA, protocol.TypeMessage))
	assert.Equal(t, toB.ID, echo.ID)
	assert.Equal(t, `{"message":"hi bob"}`, a.open(t, echo.Payload))

	// errors go to the sender only and keep the socket open
	require.NoError(t, wsA.WriteMessage(websocket.TextMessage, []byte("{broken")))
	errData := decodeData[protocol.ErrorData](t, readUntil(t, wsA, protocol.TypeError))
	assert.Equal(t, protocol.ErrCodeInvalidFormat, errData.Code)

	require.NoError(t, wsA.WriteJSON(map[string]any{"type": protocol.TypeStatus, "status": protocol.StatusIdle}))
	presence := decodeData[protocol.PresenceData](t, readUntil(t, wsB, protocol.TypePresence))
	statuses := map[string]string{}
	for _, entry := range presence.Parasites {
		statuses[entry.ID] = entry.Status
	}
	assert.Equal(t, protocol.StatusIdle, statuses["a"])
	assert.Equal(t, protocol.StatusActive, statuses["b"])

	// closing a's socket takes a offline
	wsA.Close()
	require.Eventually(t, func() bool {
		return s.registry.Status("a") == protocol.StatusOffline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayLogsOutDeactivatedParasite(t *testing.T) {
	s, ts := startTestGateway(t, func(cfg *ServerConfig) {
		cfg.ActiveCheckInterval = 50 * time.Millisecond
	})
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	ws, _ := connectReady(t, s, ts, "a")

	require.NoError(t, s.db.SetParasiteActive(context.Background(), "a", false))

	failure := decodeData[protocol.AuthFailureData](t, readUntil(t, ws, protocol.TypeAuthFailure))
	assert.Equal(t, "account deactivated", failure.Reason)

	// the server closes the socket after the failure frame
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, s.registry.Count())
}

func postMessage(t *testing.T, ts *httptest.Server, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/messages", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSendMessageHandler(t *testing.T) {
	s, ts := startTestGateway(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "b", "Bob", database.PermissionUser)

	// no socket, no negotiated key
	resp := postMessage(t, ts, sessionToken(t, s, "b"), map[string]any{
		"destination": "a",
		"payload":     map[string]string{"iv": "AAAA", "content": "AAAA"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ws, a := connectReady(t, s, ts, "a")
	token := sessionToken(t, s, "a")

	resp = postMessage(t, ts, "", map[string]any{"destination": "a", "payload": a.seal(t, "x")})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postMessage(t, ts, token, map[string]any{"destination": "a", "payload": a.seal(t, "over http")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored protocol.MessageData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.Equal(t, "over http", a.open(t, stored.Payload))
	assert.Equal(t, string(database.KindParasite), stored.Kind)

	// the socket gets the same message
	delivered := decodeData[protocol.MessageData](t, readUntil(t, ws, protocol.TypeMessage))
	assert.Equal(t, stored.ID, delivered.ID)

	resp = postMessage(t, ts, token, map[string]any{"destination": "nobody", "payload": a.seal(t, "x")})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postMessage(t, ts, token, map[string]any{
		"destination": "a",
		"payload":     map[string]string{"iv": "AAAA", "content": "AAAA"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errData protocol.ErrorData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errData))
	assert.Equal(t, protocol.ErrCodeDecryptFailed, errData.Code)

	resp = postMessage(t, ts, token, map[string]any{"destination": "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := startTestGateway(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["database_accessible"])

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "parasitechat_active_connections")
}
