package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(s *Server, c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.dispatcher.Dispatch(context.Background(), c, data)
}

func errorFrame(t *testing.T, c *Connection) protocol.ErrorData {
	t.Helper()
	return onlyFrame[protocol.ErrorData](t, drain(c), protocol.TypeError)
}

func TestDispatchRejectsMalformedFrames(t *testing.T) {
	s := newTestServer(t)
	c := NewConnection("a", "test", 64)

	tests := []struct {
		name string
		raw  string
		code int
	}{
		{"not json", "hello", protocol.ErrCodeInvalidFormat},
		{"array", `[1,2,3]`, protocol.ErrCodeInvalidFormat},
		{"no type", `{"status":"idle"}`, protocol.ErrCodeInvalidFormat},
		{"empty type", `{"type":""}`, protocol.ErrCodeInvalidFormat},
		{"too large", `{"type":"client log","message":"` + strings.Repeat("x", protocol.DefaultMaxFrameSize) + `"}`, protocol.ErrCodeFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.dispatcher.Dispatch(context.Background(), c, []byte(tt.raw))
			assert.Equal(t, tt.code, errorFrame(t, c).Code)
			assert.False(t, c.IsClosed(), "bad frames keep the connection open")
		})
	}
}

func TestDispatchIgnoresUnknownTypes(t *testing.T) {
	s := newTestServer(t)
	c := NewConnection("a", "test", 64)

	s.dispatcher.Dispatch(context.Background(), c, []byte(`{"type":"teleport"}`))
	assert.Empty(t, drain(c))
}

func TestDispatchRequiresKeyExchange(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	c := NewConnection("a", "test", 64)
	s.registry.Add(c)
	drain(c)

	for _, msgType := range []protocol.MessageType{
		protocol.TypeRoomMessage, protocol.TypePrivateMessage, protocol.TypeHistory,
		protocol.TypeCreateRoom, protocol.TypeJoinRoom, protocol.TypeTool,
	} {
		dispatch(s, c, map[string]any{"type": msgType})
		data := errorFrame(t, c)
		assert.Equal(t, protocol.ErrCodeKeyExchangeRequired, data.Code, "type %s", msgType)
		assert.Equal(t, msgType, data.Request)
	}

	// presence operations work before the handshake
	dispatch(s, c, map[string]any{"type": protocol.TypeStatus, "status": protocol.StatusIdle})
	assert.Equal(t, protocol.StatusIdle, s.registry.Status("a"))
	assert.Empty(t, framesOfType(drain(c), protocol.TypeError))
}

func TestDispatchValidationErrors(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	a := newKeyedClient(t, s, "a")

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeStatus, "status": "asleep"})
	assert.Equal(t, protocol.ErrCodeInvalidInput, errorFrame(t, a.conn).Code)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeCreateRoom, "name": "   "})
	assert.Equal(t, protocol.ErrCodeInvalidInput, errorFrame(t, a.conn).Code)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypePrivateMessage, "destination": "a"})
	assert.Equal(t, protocol.ErrCodeInvalidInput, errorFrame(t, a.conn).Code)

	dispatch(s, a.conn, map[string]any{
		"type":        protocol.TypePrivateMessage,
		"destination": "a",
		"payload":     map[string]string{"iv": "AAAA", "content": "AAAA"},
	})
	assert.Equal(t, protocol.ErrCodeDecryptFailed, errorFrame(t, a.conn).Code)

	dispatch(s, a.conn, map[string]any{
		"type":        protocol.TypePrivateMessage,
		"destination": "nobody",
		"payload":     a.seal(t, "x"),
	})
	assert.Equal(t, protocol.ErrCodeUnknownDestination, errorFrame(t, a.conn).Code)
}

func TestKeyExchangeReplaysHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "b", "Bob", database.PermissionUser)
	room, err := s.db.CreateRoom(ctx, "b", "lobby")
	require.NoError(t, err)
	require.NoError(t, s.db.Invite(ctx, room.ID, "a"))

	_, err = s.history.Create(ctx, "b", database.Destination{ID: "a", Kind: database.KindParasite}, []byte("earlier"))
	require.NoError(t, err)

	c := NewConnection("a", "test", 64)
	s.registry.Add(c)
	drain(c)

	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	dispatch(s, c, map[string]any{
		"type":      protocol.TypeKeyExchange,
		"publicKey": base64.StdEncoding.EncodeToString(pair.Public),
	})
	assert.Equal(t, StateReady, c.State())

	frames := drain(c)
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.TypeHistory, frames[0].Type, "history comes first")

	history := decodeData[protocol.HistoryData](t, frames[0])
	assert.Equal(t, s.history.Limit(), history.Limit)
	require.Len(t, history.Private["b"], 1)
	client := &testClient{key: mustSharedKey(t, pair, s)}
	assert.Equal(t, "earlier", client.open(t, history.Private["b"][0].Payload))

	listing := onlyFrame[protocol.RoomData](t, frames, protocol.TypeRoom)
	assert.Equal(t, protocol.RoomListed, listing.Event)
	assert.Equal(t, room.ID, listing.ID)
	assert.Equal(t, string(database.StateInvited), listing.State)

	// a second exchange only rotates the key
	next, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	dispatch(s, c, map[string]any{
		"type":      protocol.TypeKeyExchange,
		"publicKey": base64.StdEncoding.EncodeToString(next.Public),
	})
	assert.Empty(t, drain(c))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, next.Public, c.PeerKey())
}

func mustSharedKey(t *testing.T, pair crypto.KeyPair, s *Server) []byte {
	t.Helper()
	key, err := crypto.SharedKey(pair.Private, s.keys.PublicKey())
	require.NoError(t, err)
	return key
}

func TestKeyExchangeRejectsBadKeys(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	c := NewConnection("a", "test", 64)

	for _, key := range []string{
		"not base64!",
		base64.StdEncoding.EncodeToString([]byte("short")),
		base64.StdEncoding.EncodeToString(make([]byte, crypto.KeySize)), // low-order point
	} {
		dispatch(s, c, map[string]any{"type": protocol.TypeKeyExchange, "publicKey": key})
		assert.Equal(t, protocol.ErrCodeInvalidInput, errorFrame(t, c).Code, "key %q", key)
		assert.Equal(t, StateConnected, c.State())
	}
}

func TestVersionAlert(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) { cfg.ClientVersion = "2.0.0" })
	c := NewConnection("a", "test", 64)

	dispatch(s, c, map[string]any{"type": protocol.TypeVersion, "version": "2.0.0"})
	assert.Empty(t, drain(c))

	dispatch(s, c, map[string]any{"type": protocol.TypeVersion, "version": "1.9.0"})
	alert := onlyFrame[protocol.AlertData](t, drain(c), protocol.TypeAlert)
	assert.Equal(t, "version", alert.Kind)
	assert.Contains(t, alert.Message, "2.0.0")
}

func TestClientLogAccepted(t *testing.T) {
	s := newTestServer(t)
	c := NewConnection("a", "test", 64)

	dispatch(s, c, map[string]any{"type": protocol.TypeClientLog, "level": "panic", "message": "boom"})
	dispatch(s, c, map[string]any{"type": protocol.TypeClientLog, "level": "nonsense", "message": strings.Repeat("x", 5000)})
	assert.Empty(t, drain(c))
}

func TestRoomLifecycleOverDispatcher(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "b", "Bob", database.PermissionUser)
	addParasite(t, s, "c", "Carol", database.PermissionUser)
	a := newKeyedClient(t, s, "a")
	b := newKeyedClient(t, s, "b")
	c := newKeyedClient(t, s, "c")
	for _, tc := range []*testClient{a, b, c} {
		drain(tc.conn)
	}

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeCreateRoom, "name": "  general  "})
	created := onlyFrame[protocol.RoomData](t, drain(a.conn), protocol.TypeRoom)
	assert.Equal(t, protocol.RoomCreated, created.Event)
	assert.Equal(t, "general", created.Name)
	roomID := created.ID

	// non-members cannot invite
	dispatch(s, c.conn, map[string]any{"type": protocol.TypeInvite, "room": roomID, "parasite": "c"})
	assert.Equal(t, protocol.ErrCodePermissionDenied, errorFrame(t, c.conn).Code)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeInvite, "room": roomID, "parasite": "b"})
	invitation := onlyFrame[protocol.InvitationData](t, drain(b.conn), protocol.TypeInvitation)
	assert.Equal(t, roomID, invitation.Room)
	assert.Equal(t, "a", invitation.From)
	invited := onlyFrame[protocol.RoomData](t, drain(a.conn), protocol.TypeRoom)
	assert.Equal(t, protocol.RoomInvited, invited.Event)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeInvite, "room": roomID, "parasite": "ghost"})
	assert.Equal(t, protocol.ErrCodeNotFound, errorFrame(t, a.conn).Code)

	dispatch(s, b.conn, map[string]any{"type": protocol.TypeJoinRoom, "room": roomID})
	for _, tc := range []*testClient{a, b} {
		joined := onlyFrame[protocol.RoomData](t, drain(tc.conn), protocol.TypeRoom)
		assert.Equal(t, protocol.RoomJoined, joined.Event)
		assert.Equal(t, []string{"a", "b"}, joined.Members)
		assert.Equal(t, "b", joined.Actor)
	}

	// c was never invited
	dispatch(s, c.conn, map[string]any{"type": protocol.TypeJoinRoom, "room": roomID})
	assert.Equal(t, protocol.ErrCodeNotFound, errorFrame(t, c.conn).Code)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeLeaveRoom, "room": roomID})
	assert.Equal(t, protocol.ErrCodePermissionDenied, errorFrame(t, a.conn).Code, "owner cannot leave")

	dispatch(s, b.conn, map[string]any{"type": protocol.TypeDeleteRoom, "room": roomID})
	assert.Equal(t, protocol.ErrCodePermissionDenied, errorFrame(t, b.conn).Code, "members cannot delete")

	dispatch(s, b.conn, map[string]any{"type": protocol.TypeLeaveRoom, "room": roomID})
	for _, tc := range []*testClient{a, b} {
		left := onlyFrame[protocol.RoomData](t, drain(tc.conn), protocol.TypeRoom)
		assert.Equal(t, protocol.RoomLeft, left.Event)
		assert.Equal(t, []string{"a"}, left.Members)
	}

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeDeleteRoom, "room": roomID})
	deleted := onlyFrame[protocol.RoomData](t, drain(a.conn), protocol.TypeRoom)
	assert.Equal(t, protocol.RoomDeleted, deleted.Event)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeJoinRoom, "room": roomID})
	assert.Equal(t, protocol.ErrCodeRoomNotFound, errorFrame(t, a.conn).Code)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeDeleteRoom, "room": "not-a-room"})
	assert.Equal(t, protocol.ErrCodeRoomNotFound, errorFrame(t, a.conn).Code)
}

func TestDeclineInvitation(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "b", "Bob", database.PermissionUser)
	room, err := s.db.CreateRoom(ctx, "a", "quiet")
	require.NoError(t, err)
	require.NoError(t, s.db.Invite(ctx, room.ID, "b"))
	a := newKeyedClient(t, s, "a")
	b := newKeyedClient(t, s, "b")
	drain(a.conn)

	dispatch(s, b.conn, map[string]any{"type": protocol.TypeInviteResponse, "room": room.ID, "accept": false})
	for _, tc := range []*testClient{a, b} {
		declined := onlyFrame[protocol.RoomData](t, drain(tc.conn), protocol.TypeRoom)
		assert.Equal(t, protocol.RoomDeclined, declined.Event)
		assert.Equal(t, "b", declined.Actor)
	}

	member, err := s.db.IsMember(ctx, room.ID, "b")
	require.NoError(t, err)
	assert.False(t, member)

	dispatch(s, b.conn, map[string]any{"type": protocol.TypeInviteResponse, "room": room.ID, "accept": true})
	assert.Equal(t, protocol.ErrCodeNotFound, errorFrame(t, b.conn).Code)
}

func TestModeratorDeletesRoom(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "m", "Mod", database.PermissionModerator)
	room, err := s.db.CreateRoom(ctx, "a", "spam")
	require.NoError(t, err)
	_, err = s.history.Create(ctx, "a", database.Destination{ID: room.ID, Kind: database.KindRoom}, []byte("buy now"))
	require.NoError(t, err)

	a := newKeyedClient(t, s, "a")
	m := newKeyedClient(t, s, "m")

	dispatch(s, m.conn, map[string]any{"type": protocol.TypeDeleteRoom, "room": room.ID})
	assert.Empty(t, framesOfType(drain(m.conn), protocol.TypeError))
	deleted := onlyFrame[protocol.RoomData](t, drain(a.conn), protocol.TypeRoom)
	assert.Equal(t, protocol.RoomDeleted, deleted.Event)
	assert.Equal(t, "m", deleted.Actor)

	exists, err := s.db.RoomExists(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, exists)
	history, err := s.history.ListForIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, history.Rooms)
}

type fakeTools struct {
	calls []string
}

func (f *fakeTools) Run(_ context.Context, caller database.Parasite, name string, args map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, caller.ID+":"+name)
	if name == "missing" {
		return nil, fmt.Errorf("%w: %s", ErrToolUnavailable, name)
	}
	return map[string]any{"echo": args["value"]}, nil
}

func TestToolRequiresModerator(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "m", "Mod", database.PermissionModerator)
	a := newKeyedClient(t, s, "a")
	m := newKeyedClient(t, s, "m")

	dispatch(s, m.conn, map[string]any{"type": protocol.TypeTool, "name": "echo"})
	assert.Equal(t, protocol.ErrCodeNotFound, errorFrame(t, m.conn).Code, "no catalogue attached")

	tools := &fakeTools{}
	s.SetToolRunner(tools)

	dispatch(s, a.conn, map[string]any{"type": protocol.TypeTool, "name": "echo"})
	assert.Equal(t, protocol.ErrCodePermissionDenied, errorFrame(t, a.conn).Code)

	dispatch(s, m.conn, map[string]any{"type": protocol.TypeTool, "name": "echo", "args": map[string]any{"value": "hi"}})
	result := onlyFrame[protocol.ToolResultData](t, drain(m.conn), protocol.TypeToolResult)
	assert.Equal(t, "echo", result.Name)
	assert.Equal(t, "hi", result.Result["echo"])

	dispatch(s, m.conn, map[string]any{"type": protocol.TypeTool, "name": "missing"})
	assert.Equal(t, protocol.ErrCodeNotFound, errorFrame(t, m.conn).Code)
	assert.Equal(t, []string{"m:echo", "m:missing"}, tools.calls)
}

func TestDispatchRecoversPanics(t *testing.T) {
	registry := newTestRegistry(nil)
	d := NewDispatcher(map[protocol.MessageType]handlerEntry{
		"boom": {handle: func(context.Context, *Connection, *protocol.Frame) error {
			panic("handler bug")
		}},
	}, 0, registry, nil)
	c := NewConnection("a", "test", 8)

	d.Dispatch(context.Background(), c, []byte(`{"type":"boom"}`))
	data := errorFrame(t, c)
	assert.Equal(t, protocol.ErrCodeInternalError, data.Code)
	assert.NotContains(t, data.Message, "handler bug")
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad", protocol.ErrInvalidInput), protocol.ErrCodeInvalidInput},
		{fmt.Errorf("%w: tag", ErrTransportDecrypt), protocol.ErrCodeDecryptFailed},
		{crypto.ErrDecrypt, protocol.ErrCodeDecryptFailed},
		{ErrNotReady, protocol.ErrCodeKeyExchangeRequired},
		{ErrUnknownDestination, protocol.ErrCodeUnknownDestination},
		{database.ErrRoomNotFound, protocol.ErrCodeRoomNotFound},
		{database.ErrNotInvited, protocol.ErrCodeNotFound},
		{database.ErrParasiteNotFound, protocol.ErrCodeNotFound},
		{ErrNotRoomMember, protocol.ErrCodePermissionDenied},
		{ErrPermissionDenied, protocol.ErrCodePermissionDenied},
		{database.ErrOwnerCannotLeave, protocol.ErrCodePermissionDenied},
		{database.ErrAlreadyMember, protocol.ErrCodeInvalidInput},
		{storeError(errors.New("disk I/O error")), protocol.ErrCodeDatabaseError},
		{errors.New("anything else"), protocol.ErrCodeInternalError},
	}

	for _, tt := range tests {
		code, _ := errorCode(tt.err)
		assert.Equal(t, tt.code, code, "error %v", tt.err)
	}

	_, message := errorCode(errors.New("secret detail"))
	assert.Equal(t, "internal error", message)
}
