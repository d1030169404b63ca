package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/rs/zerolog/log"
)

// DestinationKind disambiguates room ids from parasite ids
type DestinationKind string

const (
	KindRoom     DestinationKind = "Room"
	KindParasite DestinationKind = "Parasite"
)

// DefaultHistoryLimit is the per-conversation history window used when none is configured
const DefaultHistoryLimit = 200

// PlaceholderBody replaces the plaintext of rows that no longer decrypt
var PlaceholderBody = []byte(`{"message":"[message could not be decrypted]"}`)

// Destination is where a message is addressed
type Destination struct {
	ID   string
	Kind DestinationKind
}

// StoredMessage is one persisted message row. Plaintext is only filled in on the read side.
type StoredMessage struct {
	ID            int64
	SenderID      string
	Destination   Destination
	Sealed        crypto.Sealed
	SentAt        int64
	Plaintext     []byte
	Undecryptable bool
}

// ConversationPartner returns the other side of a private conversation as seen by identity.
// Messages to oneself have oneself as the partner.
func (m *StoredMessage) ConversationPartner(identity string) string {
	if m.Destination.ID == identity {
		return m.SenderID
	}
	return m.Destination.ID
}

// History is the bounded backlog for one identity, each slice ascending by time
type History struct {
	Private map[string][]*StoredMessage // partner id -> messages
	Rooms   map[string][]*StoredMessage // room id -> messages
}

// AtRestCipher encrypts message bodies before they reach the database
type AtRestCipher interface {
	EncryptAtRest(plaintext []byte) (crypto.Sealed, error)
	DecryptAtRest(sealed crypto.Sealed) ([]byte, error)
}

// HistoryStore persists messages and serves the bounded history window
type HistoryStore struct {
	db     *DB
	cipher AtRestCipher
	limit  int
}

func NewHistoryStore(db *DB, cipher AtRestCipher, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{db: db, cipher: cipher, limit: limit}
}

// Limit returns the number of messages kept per conversation
func (h *HistoryStore) Limit() int {
	return h.limit
}

// Create encrypts plaintext at rest and inserts it as a single row
func (h *HistoryStore) Create(ctx context.Context, senderID string, dest Destination, plaintext []byte) (*StoredMessage, error) {
	sealed, err := h.cipher.EncryptAtRest(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	msg := &StoredMessage{
		ID:          h.db.ids.NextID(),
		SenderID:    senderID,
		Destination: dest,
		Sealed:      sealed,
		SentAt:      nowMillis(),
		Plaintext:   append([]byte(nil), plaintext...),
	}

	_, err = h.db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (id, sender_id, destination_id, destination_kind, iv, content, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SenderID, dest.ID, string(dest.Kind),
		base64.StdEncoding.EncodeToString(sealed.Nonce),
		base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		msg.SentAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

const privateHistoryQuery = `
	SELECT id, sender_id, destination_id, destination_kind, iv, content, sent_at
	FROM (
		SELECT m.*, ROW_NUMBER() OVER (
			PARTITION BY CASE WHEN m.destination_id = ?1 THEN m.sender_id ELSE m.destination_id END
			ORDER BY m.sent_at DESC, m.id DESC
		) AS rn
		FROM Message m
		WHERE m.destination_kind = 'Parasite'
		  AND (m.destination_id = ?1 OR m.sender_id = ?1)
	)
	WHERE rn <= ?2
	ORDER BY sent_at ASC, id ASC
`

const roomHistoryQuery = `
	SELECT id, sender_id, destination_id, destination_kind, iv, content, sent_at
	FROM (
		SELECT m.*, ROW_NUMBER() OVER (
			PARTITION BY m.destination_id
			ORDER BY m.sent_at DESC, m.id DESC
		) AS rn
		FROM Message m
		WHERE m.destination_kind = 'Room'
		  AND m.destination_id IN (
			SELECT id FROM Room WHERE owner_id = ?1
			UNION
			SELECT room_id FROM RoomMember WHERE parasite_id = ?1 AND state = 'member'
		  )
	)
	WHERE rn <= ?2
	ORDER BY sent_at ASC, id ASC
`

// ListForIdentity returns the most recent Limit() messages of every private conversation
// and every room the identity belongs to
func (h *HistoryStore) ListForIdentity(ctx context.Context, identity string) (*History, error) {
	history := &History{
		Private: make(map[string][]*StoredMessage),
		Rooms:   make(map[string][]*StoredMessage),
	}

	private, err := h.query(ctx, privateHistoryQuery, identity)
	if err != nil {
		return nil, fmt.Errorf("private history: %w", err)
	}
	for _, msg := range private {
		partner := msg.ConversationPartner(identity)
		history.Private[partner] = append(history.Private[partner], msg)
	}

	rooms, err := h.query(ctx, roomHistoryQuery, identity)
	if err != nil {
		return nil, fmt.Errorf("room history: %w", err)
	}
	for _, msg := range rooms {
		history.Rooms[msg.Destination.ID] = append(history.Rooms[msg.Destination.ID], msg)
	}

	return history, nil
}

func (h *HistoryStore) query(ctx context.Context, query, identity string) ([]*StoredMessage, error) {
	rows, err := h.db.conn.QueryContext(ctx, query, identity, h.limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		msg, iv, content, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		h.open(msg, iv, content)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(rows *sql.Rows) (*StoredMessage, string, string, error) {
	var msg StoredMessage
	var kind, iv, content string
	if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Destination.ID, &kind, &iv, &content, &msg.SentAt); err != nil {
		return nil, "", "", err
	}
	msg.Destination.Kind = DestinationKind(kind)
	return &msg, iv, content, nil
}

// open decrypts a row in place; failures leave the row flagged with the placeholder body
func (h *HistoryStore) open(msg *StoredMessage, iv, content string) {
	err := func() error {
		nonce, err := base64.StdEncoding.DecodeString(iv)
		if err != nil {
			return fmt.Errorf("decode iv: %w", err)
		}
		ciphertext, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		msg.Sealed = crypto.Sealed{Nonce: nonce, Ciphertext: ciphertext}
		msg.Plaintext, err = h.cipher.DecryptAtRest(msg.Sealed)
		return err
	}()
	if err != nil {
		log.Warn().Err(err).Int64("message", msg.ID).Msg("stored message could not be decrypted")
		msg.Plaintext = PlaceholderBody
		msg.Undecryptable = true
	}
}

// DeleteRoomMessages hard-deletes every message addressed to a room
func (h *HistoryStore) DeleteRoomMessages(ctx context.Context, roomID string) (int64, error) {
	result, err := h.db.writeConn.ExecContext(ctx,
		"DELETE FROM Message WHERE destination_kind = 'Room' AND destination_id = ?", roomID)
	if err != nil {
		return 0, fmt.Errorf("delete room messages: %w", err)
	}
	return result.RowsAffected()
}

// ErrMessageNotFound is returned when a message id does not exist
var ErrMessageNotFound = errors.New("message not found")

// GetMessage loads a single message by id, decrypted
func (h *HistoryStore) GetMessage(ctx context.Context, id int64) (*StoredMessage, error) {
	rows, err := h.db.conn.QueryContext(ctx, `
		SELECT id, sender_id, destination_id, destination_kind, iv, content, sent_at
		FROM Message WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrMessageNotFound
	}
	msg, iv, content, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	h.open(msg, iv, content)
	return msg, nil
}
