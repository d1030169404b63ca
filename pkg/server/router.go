package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportDecrypt   = errors.New("could not decrypt payload")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrNotRoomMember      = errors.New("not a member of this room")
	ErrNotReady           = errors.New("key exchange required")
	ErrDatabase           = errors.New("database error")
)

// TransportKeys derives the symmetric key shared with a client
type TransportKeys interface {
	DeriveTransportKey(peerPublic []byte) ([]byte, error)
}

// MessageStore persists chat messages
type MessageStore interface {
	Create(ctx context.Context, senderID string, dest database.Destination, plaintext []byte) (*database.StoredMessage, error)
}

// Router turns a transport-encrypted send request into a stored, fanned-out message
type Router struct {
	keys     TransportKeys
	store    MessageStore
	resolver DestinationResolver
	registry *Registry
	metrics  *Metrics
}

func NewRouter(keys TransportKeys, store MessageStore, resolver DestinationResolver, registry *Registry, metrics *Metrics) *Router {
	return &Router{
		keys:     keys,
		store:    store,
		resolver: resolver,
		registry: registry,
		metrics:  metrics,
	}
}

// Route sends a payload from a ready connection to destinationID
func (r *Router) Route(ctx context.Context, sender *Connection, destinationID string, payload protocol.EncryptedPayload) (*database.StoredMessage, error) {
	if sender.State() != StateReady {
		return nil, ErrNotReady
	}
	_, key, _ := sender.keyInfo()
	return r.route(ctx, sender.Identity, key, destinationID, payload)
}

// RouteAs sends on behalf of senderID using a client public key negotiated earlier.
// Used by the HTTP send endpoint, which has no socket of its own.
func (r *Router) RouteAs(ctx context.Context, senderID string, peerKey []byte, destinationID string, payload protocol.EncryptedPayload) (*database.StoredMessage, error) {
	key, err := r.keys.DeriveTransportKey(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportDecrypt, err)
	}
	return r.route(ctx, senderID, key, destinationID, payload)
}

func (r *Router) route(ctx context.Context, senderID string, key []byte, destinationID string, payload protocol.EncryptedPayload) (*database.StoredMessage, error) {
	// 1. transport decrypt
	sealed, err := payload.Sealed()
	if err != nil {
		r.metrics.RecordDecryptFailure("transport")
		return nil, fmt.Errorf("%w: %v", ErrTransportDecrypt, err)
	}
	plaintext, err := crypto.OpenWithKey(key, sealed)
	if err != nil {
		r.metrics.RecordDecryptFailure("transport")
		return nil, fmt.Errorf("%w: %v", ErrTransportDecrypt, err)
	}

	// 2. classify
	dest, err := r.Classify(ctx, senderID, destinationID)
	if err != nil {
		return nil, err
	}

	// 3. persist (encrypted at rest by the store)
	msg, err := r.store.Create(ctx, senderID, dest, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	r.metrics.RecordMessageRouted(string(dest.Kind))

	// 4. fan out
	if err := r.fanOut(ctx, msg); err != nil {
		// The message is stored; recipients get it on their next history replay
		log.Error().Err(err).Int64("message", msg.ID).Msg("fan out failed")
	}

	return msg, nil
}

// Classify resolves a destination id: an existing room first, then an existing parasite
func (r *Router) Classify(ctx context.Context, senderID, destinationID string) (database.Destination, error) {
	if database.IsValidRoomID(destinationID) {
		exists, err := r.resolver.RoomExists(ctx, destinationID)
		if err != nil {
			return database.Destination{}, fmt.Errorf("%w: %v", ErrDatabase, err)
		}
		if exists {
			member, err := r.resolver.IsMember(ctx, destinationID, senderID)
			if err != nil {
				return database.Destination{}, fmt.Errorf("%w: %v", ErrDatabase, err)
			}
			if !member {
				return database.Destination{}, ErrNotRoomMember
			}
			return database.Destination{ID: destinationID, Kind: database.KindRoom}, nil
		}
	}

	exists, err := r.resolver.ParasiteExists(ctx, destinationID)
	if err != nil {
		return database.Destination{}, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !exists {
		return database.Destination{}, ErrUnknownDestination
	}
	return database.Destination{ID: destinationID, Kind: database.KindParasite}, nil
}

func (r *Router) fanOut(ctx context.Context, msg *database.StoredMessage) error {
	payload := messagePayload(msg)

	if msg.Destination.Kind == database.KindRoom {
		_, err := r.registry.BroadcastToDestination(ctx, msg.Destination.ID, payload)
		return err
	}

	r.registry.BroadcastToIdentity(msg.SenderID, payload)
	if msg.Destination.ID != msg.SenderID {
		r.registry.BroadcastToIdentity(msg.Destination.ID, payload)
	}
	return nil
}

// messagePayload encrypts msg separately for each recipient connection.
// Connections that have not exchanged keys are skipped; they get it from history.
func messagePayload(msg *database.StoredMessage) Payload {
	return func(c *Connection) ([]byte, error) {
		if c.State() == StateConnected {
			return nil, nil
		}
		data, err := messageData(c, msg)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeFrame(protocol.TypeMessage, data)
	}
}

// messageData renders a stored message for one connection
func messageData(c *Connection, msg *database.StoredMessage) (protocol.MessageData, error) {
	payload, err := c.Seal(msg.Plaintext)
	if err != nil {
		return protocol.MessageData{}, err
	}
	return protocol.MessageData{
		ID:            protocol.FormatMessageID(msg.ID),
		Sender:        msg.SenderID,
		Destination:   msg.Destination.ID,
		Kind:          string(msg.Destination.Kind),
		SentAt:        msg.SentAt,
		Payload:       payload,
		Undecryptable: msg.Undecryptable,
	}, nil
}
