package server

import (
	"errors"
	"sync"
	"time"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/google/uuid"
)

// ConnectionState tracks how far a connection got through the handshake
type ConnectionState int

const (
	// StateConnected: authenticated, no peer key yet
	StateConnected ConnectionState = iota
	// StateKeyExchanged: peer key known, history not yet replayed
	StateKeyExchanged
	// StateReady: chat operations allowed
	StateReady
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateKeyExchanged:
		return "key-exchanged"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	ErrNoTransportKey = errors.New("no transport key negotiated")
	ErrInvalidState   = errors.New("invalid connection state transition")
)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	queueFull
	connClosed
)

// Connection is one live socket of an authenticated parasite.
// Outbound frames go through a bounded queue drained by the connection's writer.
type Connection struct {
	ID       string
	Identity string
	Name     string // remote address, for logs

	mu           sync.RWMutex
	state        ConnectionState
	peerKey      []byte
	transportKey []byte
	keyedAt      time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a connection in StateConnected
func NewConnection(identity, name string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultConfig().OutboundQueueSize
	}
	return &Connection{
		ID:       uuid.NewString(),
		Identity: identity,
		Name:     name,
		state:    StateConnected,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetPeerKey stores the client's public key and the transport key derived from it.
// A ready connection stays ready when the client rotates its key.
func (c *Connection) SetPeerKey(peerKey, transportKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerKey = append([]byte(nil), peerKey...)
	c.transportKey = append([]byte(nil), transportKey...)
	c.keyedAt = time.Now()
	if c.state == StateConnected {
		c.state = StateKeyExchanged
	}
}

// MarkReady finishes the handshake
func (c *Connection) MarkReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateKeyExchanged:
		c.state = StateReady
		return nil
	case StateReady:
		return nil
	default:
		return ErrInvalidState
	}
}

// PeerKey returns the client's public key, nil before key exchange
func (c *Connection) PeerKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerKey
}

func (c *Connection) keyInfo() ([]byte, []byte, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerKey, c.transportKey, c.keyedAt
}

// Seal encrypts plaintext for this connection's client
func (c *Connection) Seal(plaintext []byte) (protocol.EncryptedPayload, error) {
	_, key, _ := c.keyInfo()
	if key == nil {
		return protocol.EncryptedPayload{}, ErrNoTransportKey
	}
	sealed, err := crypto.SealWithKey(key, plaintext)
	if err != nil {
		return protocol.EncryptedPayload{}, err
	}
	return protocol.NewEncryptedPayload(sealed), nil
}

// Open decrypts a payload sent by this connection's client
func (c *Connection) Open(payload protocol.EncryptedPayload) ([]byte, error) {
	_, key, _ := c.keyInfo()
	if key == nil {
		return nil, ErrNoTransportKey
	}
	sealed, err := payload.Sealed()
	if err != nil {
		return nil, err
	}
	return crypto.OpenWithKey(key, sealed)
}

// enqueue never blocks; a full queue is reported to the caller
func (c *Connection) enqueue(frame []byte) enqueueResult {
	select {
	case <-c.done:
		return connClosed
	default:
	}
	select {
	case c.send <- frame:
		return enqueued
	case <-c.done:
		return connClosed
	default:
		return queueFull
	}
}

// Outbound is the queue the writer drains
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed; the writer flushes what is queued and exits
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
