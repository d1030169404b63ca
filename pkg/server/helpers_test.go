package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func TestSafeDeref(t *testing.T) {
	value := "room"
	if got := safeDeref(&value, ""); got != "room" {
		t.Fatalf("expected room, got %q", got)
	}
	if got := safeDeref[string](nil, "none"); got != "none" {
		t.Fatalf("expected default, got %q", got)
	}
}

// newTestServer builds an unstarted server on a temporary database
func newTestServer(t *testing.T, tweak ...func(*ServerConfig)) *Server {
	t.Helper()
	dir := t.TempDir()

	km, err := crypto.GenerateKeyMaterial()
	require.NoError(t, err)
	keys, err := crypto.NewService(km)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(dir, "relay.db")
	cfg.KeyDir = filepath.Join(dir, "keys")
	cfg.SessionSecret = "test-session-secret"
	for _, fn := range tweak {
		fn(&cfg)
	}

	s, err := NewServer(cfg, keys)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func addParasite(t *testing.T, s *Server, id, name string, permission int) {
	t.Helper()
	err := s.db.CreateParasite(context.Background(), &database.Parasite{
		ID:         id,
		Name:       name,
		Permission: permission,
		Active:     true,
	})
	require.NoError(t, err)
}

// testClient is the client side of one connection
type testClient struct {
	conn *Connection
	pair crypto.KeyPair
	key  []byte
}

// newKeyedClient registers a connection for identity and completes key exchange
// without going through the dispatcher
func newKeyedClient(t *testing.T, s *Server, identity string) *testClient {
	t.Helper()
	c := NewConnection(identity, "test", 64)
	s.registry.Add(c)
	client := exchangeKeys(t, s, c)
	require.NoError(t, c.MarkReady())
	drain(c)
	return client
}

func exchangeKeys(t *testing.T, s *Server, c *Connection) *testClient {
	t.Helper()
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverSide, err := s.keys.DeriveTransportKey(pair.Public)
	require.NoError(t, err)
	c.SetPeerKey(pair.Public, serverSide)

	clientSide, err := crypto.SharedKey(pair.Private, s.keys.PublicKey())
	require.NoError(t, err)
	return &testClient{conn: c, pair: pair, key: clientSide}
}

func (tc *testClient) seal(t *testing.T, plaintext string) protocol.EncryptedPayload {
	t.Helper()
	sealed, err := crypto.SealWithKey(tc.key, []byte(plaintext))
	require.NoError(t, err)
	return protocol.NewEncryptedPayload(sealed)
}

func (tc *testClient) open(t *testing.T, payload protocol.EncryptedPayload) string {
	t.Helper()
	sealed, err := payload.Sealed()
	require.NoError(t, err)
	plaintext, err := crypto.OpenWithKey(tc.key, sealed)
	require.NoError(t, err)
	return string(plaintext)
}

// sentFrame is an outbound frame as a client sees it
type sentFrame struct {
	Type protocol.MessageType `json:"type"`
	Data json.RawMessage      `json:"data"`
}

// drain empties a connection's outbound queue without blocking
func drain(c *Connection) []sentFrame {
	var frames []sentFrame
	for {
		select {
		case raw := <-c.Outbound():
			var f sentFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				panic(err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func framesOfType(frames []sentFrame, msgType protocol.MessageType) []sentFrame {
	var out []sentFrame
	for _, f := range frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, f sentFrame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

// onlyFrame asserts exactly one frame of msgType was queued and decodes it
func onlyFrame[T any](t *testing.T, frames []sentFrame, msgType protocol.MessageType) T {
	t.Helper()
	matching := framesOfType(frames, msgType)
	require.Len(t, matching, 1, "expected one %q frame in %v", msgType, frames)
	return decodeData[T](t, matching[0])
}

// fakeDirectory and fakeMembers stand in for the database in registry tests
type fakeDirectory struct {
	parasites []*database.Parasite
}

func (d *fakeDirectory) ListParasites(context.Context) ([]*database.Parasite, error) {
	return d.parasites, nil
}

type fakeMembers map[string][]string

func (m fakeMembers) RoomMembers(_ context.Context, roomID string) ([]string, error) {
	members, ok := m[roomID]
	if !ok {
		return nil, database.ErrRoomNotFound
	}
	return members, nil
}
