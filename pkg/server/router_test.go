package server

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfMessageSingleDelivery(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	a := newKeyedClient(t, s, "a")

	msg, err := s.router.Route(context.Background(), a.conn, "a", a.seal(t, `{"message":"note to self"}`))
	require.NoError(t, err)
	assert.Equal(t, database.KindParasite, msg.Destination.Kind)

	data := onlyFrame[protocol.MessageData](t, drain(a.conn), protocol.TypeMessage)
	assert.Equal(t, protocol.FormatMessageID(msg.ID), data.ID)
	assert.Equal(t, "a", data.Sender)
	assert.Equal(t, "a", data.Destination)
	assert.Equal(t, `{"message":"note to self"}`, a.open(t, data.Payload))
}

func TestPrivateMessageReachesBothSides(t *testing.T) {
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	addParasite(t, s, "b", "Bob", database.PermissionUser)
	a := newKeyedClient(t, s, "a")
	b1 := newKeyedClient(t, s, "b")
	b2 := newKeyedClient(t, s, "b")

	// a connection that has not exchanged keys is skipped
	pending := NewConnection("b", "test", 64)
	s.registry.Add(pending)
	drain(pending)
	for _, c := range []*testClient{a, b1, b2} {
		drain(c.conn)
	}

	_, err := s.router.Route(context.Background(), a.conn, "b", a.seal(t, "hi bob"))
	require.NoError(t, err)

	// each recipient connection gets its own encryption
	for _, c := range []*testClient{a, b1, b2} {
		data := onlyFrame[protocol.MessageData](t, drain(c.conn), protocol.TypeMessage)
		assert.Equal(t, "hi bob", c.open(t, data.Payload))
		assert.Equal(t, string(database.KindParasite), data.Kind)
	}
	assert.Empty(t, framesOfType(drain(pending), protocol.TypeMessage))

	// and it is in both histories
	for _, identity := range []string{"a", "b"} {
		history, err := s.history.ListForIdentity(context.Background(), identity)
		require.NoError(t, err)
		partner := "b"
		if identity == "b" {
			partner = "a"
		}
		require.Len(t, history.Private[partner], 1)
		assert.Equal(t, "hi bob", string(history.Private[partner][0].Plaintext))
	}
}

func TestRoomMessageReachesMembersOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		addParasite(t, s, id, id, database.PermissionUser)
	}
	room, err := s.db.CreateRoom(ctx, "a", "general")
	require.NoError(t, err)
	require.NoError(t, s.db.Invite(ctx, room.ID, "b"))
	require.NoError(t, s.db.Join(ctx, room.ID, "b"))
	require.NoError(t, s.db.Invite(ctx, room.ID, "c")) // invited but not joined

	a := newKeyedClient(t, s, "a")
	b := newKeyedClient(t, s, "b")
	c := newKeyedClient(t, s, "c")
	for _, tc := range []*testClient{a, b, c} {
		drain(tc.conn)
	}

	msg, err := s.router.Route(ctx, b.conn, room.ID, b.seal(t, "hello room"))
	require.NoError(t, err)
	assert.Equal(t, database.KindRoom, msg.Destination.Kind)

	for _, tc := range []*testClient{a, b} {
		data := onlyFrame[protocol.MessageData](t, drain(tc.conn), protocol.TypeMessage)
		assert.Equal(t, room.ID, data.Destination)
		assert.Equal(t, "hello room", tc.open(t, data.Payload))
	}
	assert.Empty(t, drain(c.conn))

	_, err = s.router.Route(ctx, c.conn, room.ID, c.seal(t, "let me in"))
	assert.ErrorIs(t, err, ErrNotRoomMember)
}

func TestRouteErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	a := newKeyedClient(t, s, "a")

	t.Run("unknown parasite", func(t *testing.T) {
		_, err := s.router.Route(ctx, a.conn, "nobody", a.seal(t, "x"))
		assert.ErrorIs(t, err, ErrUnknownDestination)
	})

	t.Run("room id that does not exist", func(t *testing.T) {
		_, err := s.router.Route(ctx, a.conn, uuid.NewString(), a.seal(t, "x"))
		assert.ErrorIs(t, err, ErrUnknownDestination)
	})

	t.Run("garbage ciphertext", func(t *testing.T) {
		payload := protocol.EncryptedPayload{
			IV:      base64.StdEncoding.EncodeToString(make([]byte, 12)),
			Content: base64.StdEncoding.EncodeToString([]byte("not a ciphertext at all")),
		}
		_, err := s.router.Route(ctx, a.conn, "a", payload)
		assert.ErrorIs(t, err, ErrTransportDecrypt)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := s.router.Route(ctx, a.conn, "a", protocol.EncryptedPayload{IV: "%%%", Content: "%%%"})
		assert.ErrorIs(t, err, ErrTransportDecrypt)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := newKeyedClient(t, s, "a")
		_, err := s.router.Route(ctx, a.conn, "a", other.seal(t, "x"))
		assert.ErrorIs(t, err, ErrTransportDecrypt)
	})

	t.Run("before key exchange", func(t *testing.T) {
		c := NewConnection("a", "test", 8)
		_, err := s.router.Route(ctx, c, "a", a.seal(t, "x"))
		assert.ErrorIs(t, err, ErrNotReady)
	})

	// nothing above was stored
	history, err := s.history.ListForIdentity(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, history.Private)
}

func TestRouteAsUsesNegotiatedKey(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	addParasite(t, s, "a", "Alice", database.PermissionUser)
	a := newKeyedClient(t, s, "a")

	msg, err := s.router.RouteAs(ctx, "a", a.pair.Public, "a", a.seal(t, "from http"))
	require.NoError(t, err)
	assert.Equal(t, "from http", string(msg.Plaintext))

	data := onlyFrame[protocol.MessageData](t, drain(a.conn), protocol.TypeMessage)
	assert.Equal(t, "from http", a.open(t, data.Payload))

	_, err = s.router.RouteAs(ctx, "a", []byte("short"), "a", a.seal(t, "x"))
	assert.ErrorIs(t, err, ErrTransportDecrypt)
}
