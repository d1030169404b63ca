package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/parasitechat/pkg/crypto"
)

// MessageType is the "type" discriminator of a frame
type MessageType string

// Message types (Client → Server)
const (
	TypeVersion        MessageType = "version"
	TypeClientLog      MessageType = "client log"
	TypeStatus         MessageType = "status"
	TypeTyping         MessageType = "typing"
	TypeKeyExchange    MessageType = "key exchange" // also Server → Client
	TypeHistory        MessageType = "history"      // also Server → Client
	TypeRoomMessage    MessageType = "room message"
	TypePrivateMessage MessageType = "private message"
	TypeCreateRoom     MessageType = "create room"
	TypeJoinRoom       MessageType = "join room"
	TypeLeaveRoom      MessageType = "leave room"
	TypeInvite         MessageType = "invite"
	TypeInviteResponse MessageType = "invite response"
	TypeDeleteRoom     MessageType = "delete room"
	TypeTool           MessageType = "tool"
)

// Message types (Server → Client)
const (
	TypePresence    MessageType = "presence"
	TypeOnline      MessageType = "online"
	TypeAlert       MessageType = "alert"
	TypeError       MessageType = "error"
	TypeAuthFailure MessageType = "auth failure"
	TypeMessage     MessageType = "message"
	TypeRoom        MessageType = "room"
	TypeInvitation  MessageType = "invitation"
	TypeToolResult  MessageType = "tool result"
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat = 1000
	ErrCodeFrameTooLarge = 1003

	// Authentication errors (2xxx)
	ErrCodeAuthRequired        = 2000
	ErrCodeAccountDeactivated  = 2001
	ErrCodeKeyExchangeRequired = 2002

	// Authorization errors (3xxx)
	ErrCodePermissionDenied = 3000

	// Resource errors (4xxx)
	ErrCodeNotFound           = 4000
	ErrCodeRoomNotFound       = 4001
	ErrCodeUnknownDestination = 4005

	// Validation errors (6xxx)
	ErrCodeInvalidInput = 6000

	// Encryption errors (7xxx)
	ErrCodeDecryptFailed = 7000

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
	ErrCodeDatabaseError = 9001
)

// Presence statuses
const (
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

const (
	MaxRoomNameLength = 64
	MaxLogLength      = 2048
)

var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// EncryptedPayload is a {iv, content} pair, both base64
type EncryptedPayload struct {
	IV      string `json:"iv"`
	Content string `json:"content"`
}

func NewEncryptedPayload(s crypto.Sealed) EncryptedPayload {
	return EncryptedPayload{
		IV:      base64.StdEncoding.EncodeToString(s.Nonce),
		Content: base64.StdEncoding.EncodeToString(s.Ciphertext),
	}
}

func (p EncryptedPayload) Validate() error {
	if p.IV == "" || p.Content == "" {
		return invalid("payload requires iv and content")
	}
	return nil
}

// Sealed decodes the payload; malformed base64 is reported as a decryption failure
func (p EncryptedPayload) Sealed() (crypto.Sealed, error) {
	nonce, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return crypto.Sealed{}, fmt.Errorf("%w: iv: %v", crypto.ErrDecrypt, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return crypto.Sealed{}, fmt.Errorf("%w: content: %v", crypto.ErrDecrypt, err)
	}
	return crypto.Sealed{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// FormatMessageID renders a message id for the wire; ids exceed the JS safe integer range
func FormatMessageID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ===== Requests =====

type VersionRequest struct {
	Version string `json:"version"`
}

func (r *VersionRequest) Validate() error {
	if r.Version == "" {
		return invalid("version is required")
	}
	return nil
}

type ClientLogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (r *ClientLogRequest) Validate() error {
	if len(r.Message) > MaxLogLength {
		r.Message = r.Message[:MaxLogLength]
	}
	return nil
}

type StatusRequest struct {
	Status string `json:"status"`
}

func (r *StatusRequest) Validate() error {
	if r.Status != StatusActive && r.Status != StatusIdle {
		return invalid("status must be %q or %q", StatusActive, StatusIdle)
	}
	return nil
}

// TypingRequest sets or clears (null destination) the typing indicator
type TypingRequest struct {
	Destination *string `json:"destination"`
}

type KeyExchangeRequest struct {
	PublicKey string `json:"publicKey"`
}

func (r *KeyExchangeRequest) Validate() error {
	_, err := r.Key()
	return err
}

// Key returns the decoded peer public key
func (r *KeyExchangeRequest) Key() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(r.PublicKey)
	if err != nil || len(key) != crypto.KeySize {
		return nil, invalid("publicKey must be %d base64-encoded bytes", crypto.KeySize)
	}
	return key, nil
}

// ChatMessageRequest is used by both "room message" and "private message"
type ChatMessageRequest struct {
	Destination string           `json:"destination"`
	Payload     EncryptedPayload `json:"payload"`
}

func (r *ChatMessageRequest) Validate() error {
	if r.Destination == "" {
		return invalid("destination is required")
	}
	return r.Payload.Validate()
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

func (r *CreateRoomRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return invalid("room name is required")
	}
	if utf8.RuneCountInString(r.Name) > MaxRoomNameLength {
		return invalid("room name must be at most %d characters", MaxRoomNameLength)
	}
	return nil
}

// RoomRequest addresses a single room (join, leave, delete)
type RoomRequest struct {
	Room string `json:"room"`
}

func (r *RoomRequest) Validate() error {
	if r.Room == "" {
		return invalid("room is required")
	}
	return nil
}

type InviteRequest struct {
	Room     string `json:"room"`
	Parasite string `json:"parasite"`
}

func (r *InviteRequest) Validate() error {
	if r.Room == "" || r.Parasite == "" {
		return invalid("room and parasite are required")
	}
	return nil
}

type InviteResponseRequest struct {
	Room   string `json:"room"`
	Accept bool   `json:"accept"`
}

func (r *InviteResponseRequest) Validate() error {
	if r.Room == "" {
		return invalid("room is required")
	}
	return nil
}

type ToolRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

func (r *ToolRequest) Validate() error {
	if r.Name == "" {
		return invalid("tool name is required")
	}
	return nil
}

// ===== Outbound data =====

type KeyExchangeData struct {
	PublicKey string `json:"publicKey"`
}

type ErrorData struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Request MessageType `json:"request,omitempty"`
}

type AlertData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type AuthFailureData struct {
	Reason string `json:"reason"`
}

type PresenceEntry struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	Status string  `json:"status"`
	Typing *string `json:"typing"`
}

type PresenceData struct {
	Parasites []PresenceEntry `json:"parasites"`
}

type OnlineData struct {
	Parasite string `json:"parasite"`
}

// MessageData is a delivered or replayed chat message, payload encrypted for the recipient
type MessageData struct {
	ID            string           `json:"id"`
	Sender        string           `json:"sender"`
	Destination   string           `json:"destination"`
	Kind          string           `json:"kind"`
	SentAt        int64            `json:"sentAt"`
	Payload       EncryptedPayload `json:"payload"`
	Undecryptable bool             `json:"undecryptable,omitempty"`
}

type HistoryData struct {
	Limit   int                      `json:"limit"`
	Private map[string][]MessageData `json:"private"`
	Rooms   map[string][]MessageData `json:"rooms"`
}

// Room events
const (
	RoomCreated  = "created"
	RoomInvited  = "invited"
	RoomJoined   = "joined"
	RoomLeft     = "left"
	RoomDeclined = "declined"
	RoomDeleted  = "deleted"
	RoomListed   = "listed"
)

type RoomData struct {
	Event   string   `json:"event"`
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Owner   string   `json:"owner,omitempty"`
	State   string   `json:"state,omitempty"`
	Members []string `json:"members,omitempty"`
	Actor   string   `json:"actor,omitempty"`
}

type InvitationData struct {
	Room string `json:"room"`
	Name string `json:"name"`
	From string `json:"from"`
}

type ToolResultData struct {
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}
