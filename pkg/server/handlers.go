package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// handlerTable builds the dispatch table. Anything that reads or writes chat content
// requires a completed key exchange.
func (s *Server) handlerTable() map[protocol.MessageType]handlerEntry {
	return map[protocol.MessageType]handlerEntry{
		protocol.TypeVersion:        {handle: s.handleVersion},
		protocol.TypeClientLog:      {handle: s.handleClientLog},
		protocol.TypeStatus:         {handle: s.handleStatus},
		protocol.TypeTyping:         {handle: s.handleTyping},
		protocol.TypeKeyExchange:    {handle: s.handleKeyExchange},
		protocol.TypeHistory:        {handle: s.handleHistory, requiresReady: true},
		protocol.TypeRoomMessage:    {handle: s.handleChatMessage, requiresReady: true},
		protocol.TypePrivateMessage: {handle: s.handleChatMessage, requiresReady: true},
		protocol.TypeCreateRoom:     {handle: s.handleCreateRoom, requiresReady: true},
		protocol.TypeJoinRoom:       {handle: s.handleJoinRoom, requiresReady: true},
		protocol.TypeLeaveRoom:      {handle: s.handleLeaveRoom, requiresReady: true},
		protocol.TypeInvite:         {handle: s.handleInvite, requiresReady: true},
		protocol.TypeInviteResponse: {handle: s.handleInviteResponse, requiresReady: true},
		protocol.TypeDeleteRoom:     {handle: s.handleDeleteRoom, requiresReady: true},
		protocol.TypeTool:           {handle: s.handleTool, requiresReady: true},
	}
}

// handleVersion warns clients running a different build than the one served
func (s *Server) handleVersion(_ context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.VersionRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if s.config.ClientVersion == "" || req.Version == s.config.ClientVersion {
		return nil
	}
	log.Debug().Str("conn", c.ID).Str("client", req.Version).Str("current", s.config.ClientVersion).Msg("client version mismatch")
	return s.send(c, protocol.TypeAlert, protocol.AlertData{
		Kind:    "version",
		Message: fmt.Sprintf("a new client version is available (%s), please reload", s.config.ClientVersion),
	})
}

func (s *Server) handleClientLog(_ context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.ClientLogRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(req.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	// Clients may not take the server down
	if level > zerolog.ErrorLevel {
		level = zerolog.ErrorLevel
	}
	log.WithLevel(level).Str("source", "client").Str("parasite", c.Identity).Str("conn", c.ID).Msg(req.Message)
	return nil
}

func (s *Server) handleStatus(_ context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.StatusRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	s.registry.SetStatus(c.Identity, req.Status)
	return nil
}

func (s *Server) handleTyping(_ context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.TypingRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	log.Debug().Str("parasite", c.Identity).Str("destination", safeDeref(req.Destination, "")).Msg("typing")
	s.registry.SetTyping(c.Identity, req.Destination)
	return nil
}

// handleKeyExchange derives the transport key for the client's public key.
// The first exchange on a connection replays history and makes it ready;
// later exchanges only rotate the key.
func (s *Server) handleKeyExchange(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.KeyExchangeRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	peer, err := req.Key()
	if err != nil {
		return err
	}
	if err := crypto.ValidatePublicKey(peer); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidInput, err)
	}
	key, err := s.keys.DeriveTransportKey(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidInput, err)
	}

	wasReady := c.State() == StateReady
	c.SetPeerKey(peer, key)
	if wasReady {
		log.Debug().Str("conn", c.ID).Msg("transport key rotated")
		return nil
	}

	if err := s.sendHistory(ctx, c); err != nil {
		return err
	}
	if err := s.sendRoomListings(ctx, c); err != nil {
		return err
	}
	return c.MarkReady()
}

func (s *Server) handleHistory(ctx context.Context, c *Connection, _ *protocol.Frame) error {
	return s.sendHistory(ctx, c)
}

// handleChatMessage covers both room and private messages; the router decides by destination
func (s *Server) handleChatMessage(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.ChatMessageRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	msg, err := s.router.Route(ctx, c, req.Destination, req.Payload)
	if err != nil {
		return err
	}
	log.Debug().Str("parasite", c.Identity).Int64("message", msg.ID).Str("kind", string(msg.Destination.Kind)).Msg("message routed")
	return nil
}

func (s *Server) handleCreateRoom(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.CreateRoomRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	room, err := s.db.CreateRoom(ctx, c.Identity, req.Name)
	if err != nil {
		return storeError(err)
	}
	log.Info().Str("room", room.ID).Str("owner", c.Identity).Msg("room created")
	s.notifyRoom([]string{c.Identity}, protocol.RoomData{
		Event:   protocol.RoomCreated,
		ID:      room.ID,
		Name:    room.Name,
		Owner:   room.OwnerID,
		State:   string(database.StateMember),
		Members: []string{room.OwnerID},
		Actor:   c.Identity,
	})
	return nil
}

// handleJoinRoom accepts a pending invitation
func (s *Server) handleJoinRoom(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.RoomRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if err := s.db.Join(ctx, req.Room, c.Identity); err != nil {
		return storeError(err)
	}
	return s.announceMembership(ctx, req.Room, protocol.RoomJoined, c.Identity, nil)
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.RoomRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if err := s.db.Leave(ctx, req.Room, c.Identity); err != nil {
		return storeError(err)
	}
	// The leaver is no longer a member but still needs the update
	return s.announceMembership(ctx, req.Room, protocol.RoomLeft, c.Identity, []string{c.Identity})
}

// handleInvite lets a member invite another parasite
func (s *Server) handleInvite(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.InviteRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	room, err := s.db.GetRoom(ctx, req.Room)
	if err != nil {
		return storeError(err)
	}
	member, err := s.db.IsMember(ctx, room.ID, c.Identity)
	if err != nil {
		return storeError(err)
	}
	if !member {
		return ErrNotRoomMember
	}
	if err := s.db.Invite(ctx, room.ID, req.Parasite); err != nil {
		return storeError(err)
	}

	frameData := protocol.InvitationData{Room: room.ID, Name: room.Name, From: c.Identity}
	if err := s.sendToIdentity(req.Parasite, protocol.TypeInvitation, frameData); err != nil {
		return err
	}

	members, err := s.db.RoomMembers(ctx, room.ID)
	if err != nil {
		return storeError(err)
	}
	s.notifyRoom(members, protocol.RoomData{
		Event: protocol.RoomInvited,
		ID:    room.ID,
		Name:  room.Name,
		Owner: room.OwnerID,
		Actor: req.Parasite,
	})
	return nil
}

func (s *Server) handleInviteResponse(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.InviteResponseRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if err := s.db.RespondInvite(ctx, req.Room, c.Identity, req.Accept); err != nil {
		return storeError(err)
	}
	if req.Accept {
		return s.announceMembership(ctx, req.Room, protocol.RoomJoined, c.Identity, nil)
	}

	room, err := s.db.GetRoom(ctx, req.Room)
	if err != nil {
		return storeError(err)
	}
	s.notifyRoom([]string{c.Identity, room.OwnerID}, protocol.RoomData{
		Event: protocol.RoomDeclined,
		ID:    room.ID,
		Name:  room.Name,
		Owner: room.OwnerID,
		Actor: c.Identity,
	})
	return nil
}

// handleDeleteRoom deletes a room and its messages. Owners and moderators only.
func (s *Server) handleDeleteRoom(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.RoomRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	room, err := s.db.GetRoom(ctx, req.Room)
	if err != nil {
		return storeError(err)
	}
	if room.OwnerID != c.Identity {
		caller, err := s.db.GetParasite(ctx, c.Identity)
		if err != nil {
			return storeError(err)
		}
		if !caller.IsModerator() {
			return ErrPermissionDenied
		}
	}

	members, err := s.db.RoomMembers(ctx, room.ID)
	if err != nil {
		return storeError(err)
	}
	if err := s.db.DeleteRoom(ctx, room.ID); err != nil {
		return storeError(err)
	}
	log.Info().Str("room", room.ID).Str("by", c.Identity).Msg("room deleted")

	s.notifyRoom(append(members, c.Identity), protocol.RoomData{
		Event: protocol.RoomDeleted,
		ID:    room.ID,
		Name:  room.Name,
		Owner: room.OwnerID,
		Actor: c.Identity,
	})
	return nil
}

// handleTool runs a catalogue tool on behalf of a moderator
func (s *Server) handleTool(ctx context.Context, c *Connection, frame *protocol.Frame) error {
	var req protocol.ToolRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	caller, err := s.db.GetParasite(ctx, c.Identity)
	if err != nil {
		return storeError(err)
	}
	if !caller.IsModerator() {
		return ErrPermissionDenied
	}
	if s.tools == nil {
		return ErrToolUnavailable
	}

	result, err := s.tools.Run(ctx, *caller, req.Name, req.Args)
	if err != nil {
		return err
	}
	log.Info().Str("tool", req.Name).Str("by", c.Identity).Msg("tool run")
	return s.send(c, protocol.TypeToolResult, protocol.ToolResultData{Name: req.Name, Result: result})
}

// announceMembership sends a membership change to the room's members plus extra
func (s *Server) announceMembership(ctx context.Context, roomID, event, actor string, extra []string) error {
	room, err := s.db.GetRoom(ctx, roomID)
	if err != nil {
		return storeError(err)
	}
	members, err := s.db.RoomMembers(ctx, roomID)
	if err != nil {
		return storeError(err)
	}
	s.notifyRoom(append(members, extra...), protocol.RoomData{
		Event:   event,
		ID:      room.ID,
		Name:    room.Name,
		Owner:   room.OwnerID,
		Members: members,
		Actor:   actor,
	})
	return nil
}

// ===== Outbound helpers =====

// send queues a frame for one connection
func (s *Server) send(c *Connection, msgType protocol.MessageType, data any) error {
	frame, err := protocol.EncodeFrame(msgType, data)
	if err != nil {
		return err
	}
	if s.registry.SendTo(c, Static(frame)) {
		s.metrics.RecordFrameSent(string(msgType))
	}
	return nil
}

func (s *Server) sendToIdentity(identity string, msgType protocol.MessageType, data any) error {
	frame, err := protocol.EncodeFrame(msgType, data)
	if err != nil {
		return err
	}
	if n := s.registry.BroadcastToIdentity(identity, Static(frame)); n > 0 {
		s.metrics.RecordFrameSent(string(msgType))
	}
	return nil
}

// notifyRoom sends a room event to every connection of the given identities, once per identity
func (s *Server) notifyRoom(identities []string, data protocol.RoomData) {
	frame, err := protocol.EncodeFrame(protocol.TypeRoom, data)
	if err != nil {
		log.Error().Err(err).Msg("encode room event")
		return
	}
	seen := make(map[string]bool, len(identities))
	for _, identity := range identities {
		if seen[identity] {
			continue
		}
		seen[identity] = true
		s.registry.BroadcastToIdentity(identity, Static(frame))
	}
	s.metrics.RecordFrameSent(string(protocol.TypeRoom))
}

// sendHistory replays the bounded backlog, re-encrypted for this connection
func (s *Server) sendHistory(ctx context.Context, c *Connection) error {
	history, err := s.history.ListForIdentity(ctx, c.Identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	data := protocol.HistoryData{
		Limit:   s.history.Limit(),
		Private: make(map[string][]protocol.MessageData, len(history.Private)),
		Rooms:   make(map[string][]protocol.MessageData, len(history.Rooms)),
	}
	for partner, msgs := range history.Private {
		if data.Private[partner], err = renderMessages(c, msgs); err != nil {
			return err
		}
	}
	for room, msgs := range history.Rooms {
		if data.Rooms[room], err = renderMessages(c, msgs); err != nil {
			return err
		}
	}
	return s.send(c, protocol.TypeHistory, data)
}

func renderMessages(c *Connection, msgs []*database.StoredMessage) ([]protocol.MessageData, error) {
	out := make([]protocol.MessageData, 0, len(msgs))
	for _, msg := range msgs {
		data, err := messageData(c, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// sendRoomListings tells a fresh connection about every room it owns, belongs to or is invited to
func (s *Server) sendRoomListings(ctx context.Context, c *Connection) error {
	rooms, err := s.db.ListRoomsFor(ctx, c.Identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	for _, room := range rooms {
		data := protocol.RoomData{
			Event: protocol.RoomListed,
			ID:    room.ID,
			Name:  room.Name,
			Owner: room.OwnerID,
			State: string(room.State),
		}
		if room.State == database.StateMember {
			if data.Members, err = s.db.RoomMembers(ctx, room.ID); err != nil {
				return fmt.Errorf("%w: %v", ErrDatabase, err)
			}
		}
		if err := s.send(c, protocol.TypeRoom, data); err != nil {
			return err
		}
	}
	return nil
}

// storeError passes domain errors through and marks everything else as a database failure
func storeError(err error) error {
	for _, known := range []error{
		database.ErrRoomNotFound,
		database.ErrNotInvited,
		database.ErrAlreadyMember,
		database.ErrNotMember,
		database.ErrOwnerCannotLeave,
		database.ErrParasiteNotFound,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrDatabase, err)
}
