package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// PresenceEntry is the in-memory presence overlay of one parasite
type PresenceEntry struct {
	Status            string
	TypingDestination *string
}

// Payload renders the frame for one recipient. Returning nil skips the recipient.
type Payload func(c *Connection) ([]byte, error)

// Static sends the same frame to every recipient
func Static(frame []byte) Payload {
	return func(*Connection) ([]byte, error) { return frame, nil }
}

// Registry holds all live connections and the presence overlay.
// The lock covers enumeration and mutation only; frames are queued outside it.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection            // connection id -> connection
	byIdentity map[string]map[string]*Connection // parasite id -> connection id -> connection
	presence   map[string]*PresenceEntry

	directory ParasiteDirectory
	members   MembershipSource
	metrics   *Metrics
}

func NewRegistry(directory ParasiteDirectory, members MembershipSource, metrics *Metrics) *Registry {
	return &Registry{
		conns:      make(map[string]*Connection),
		byIdentity: make(map[string]map[string]*Connection),
		presence:   make(map[string]*PresenceEntry),
		directory:  directory,
		members:    members,
		metrics:    metrics,
	}
}

// entry returns the presence entry for identity, creating it as offline. Caller holds mu.
func (r *Registry) entry(identity string) *PresenceEntry {
	e, ok := r.presence[identity]
	if !ok {
		e = &PresenceEntry{Status: protocol.StatusOffline}
		r.presence[identity] = e
	}
	return e
}

// Add registers a connection. The first connection of an identity flips it to active,
// rebroadcasts presence and announces it to everyone else.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	set, ok := r.byIdentity[c.Identity]
	if !ok {
		set = make(map[string]*Connection)
		r.byIdentity[c.Identity] = set
	}
	set[c.ID] = c
	first := len(set) == 1
	if first {
		e := r.entry(c.Identity)
		e.Status = protocol.StatusActive
		e.TypingDestination = nil
	}
	connections, online := len(r.conns), len(r.byIdentity)
	r.mu.Unlock()

	r.metrics.RecordConnectionAdded(connections, online)
	log.Debug().Str("conn", c.ID).Str("parasite", c.Identity).Bool("first", first).Msg("connection added")

	if !first {
		// Everyone else already has the current list
		r.sendPresenceTo(c)
		return
	}

	r.broadcastPresence()
	if frame, err := protocol.EncodeFrame(protocol.TypeOnline, protocol.OnlineData{Parasite: c.Identity}); err == nil {
		r.BroadcastExcept(c.Identity, Static(frame))
	}
}

// Remove unregisters and closes a connection; removing twice is a no-op.
// Removing the last connection of an identity flips it to offline.
func (r *Registry) Remove(c *Connection, reason string) bool {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		c.Close()
		return false
	}
	delete(r.conns, c.ID)
	last := false
	if set, ok := r.byIdentity[c.Identity]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.byIdentity, c.Identity)
			e := r.entry(c.Identity)
			e.Status = protocol.StatusOffline
			e.TypingDestination = nil
			last = true
		}
	}
	connections, online := len(r.conns), len(r.byIdentity)
	r.mu.Unlock()

	c.Close()
	r.metrics.RecordConnectionRemoved(reason, connections, online)
	log.Debug().Str("conn", c.ID).Str("parasite", c.Identity).Str("reason", reason).Bool("last", last).Msg("connection removed")

	if last {
		r.broadcastPresence()
	}
	return true
}

// SetStatus updates the status of an online identity and rebroadcasts presence
func (r *Registry) SetStatus(identity, status string) bool {
	r.mu.Lock()
	if _, online := r.byIdentity[identity]; !online {
		r.mu.Unlock()
		return false
	}
	r.entry(identity).Status = status
	r.mu.Unlock()

	r.broadcastPresence()
	return true
}

// SetTyping sets or clears (nil) the typing destination of an online identity
func (r *Registry) SetTyping(identity string, destination *string) bool {
	r.mu.Lock()
	if _, online := r.byIdentity[identity]; !online {
		r.mu.Unlock()
		return false
	}
	e := r.entry(identity)
	if destination != nil {
		d := *destination
		destination = &d
	}
	e.TypingDestination = destination
	r.mu.Unlock()

	r.broadcastPresence()
	return true
}

// Status returns the current status of identity
func (r *Registry) Status(identity string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.presence[identity]; ok {
		return e.Status
	}
	return protocol.StatusOffline
}

// Presence renders the presence list: non-offline parasites first, then by name
func (r *Registry) Presence(ctx context.Context) []protocol.PresenceEntry {
	var parasites []protocol.PresenceEntry
	if r.directory != nil {
		list, err := r.directory.ListParasites(ctx)
		if err != nil {
			log.Error().Err(err).Msg("presence: list parasites")
		}
		for _, p := range list {
			if !p.Active {
				continue
			}
			parasites = append(parasites, protocol.PresenceEntry{ID: p.ID, Name: p.Name, Color: p.Color})
		}
	}

	r.mu.RLock()
	known := make(map[string]bool, len(parasites))
	for i := range parasites {
		known[parasites[i].ID] = true
		r.fillPresence(&parasites[i])
	}
	// Online identities the directory doesn't know about still show up
	for identity := range r.byIdentity {
		if !known[identity] {
			entry := protocol.PresenceEntry{ID: identity, Name: identity}
			r.fillPresence(&entry)
			parasites = append(parasites, entry)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(parasites, func(i, j int) bool {
		iOff := parasites[i].Status == protocol.StatusOffline
		jOff := parasites[j].Status == protocol.StatusOffline
		if iOff != jOff {
			return !iOff
		}
		return strings.ToLower(parasites[i].Name) < strings.ToLower(parasites[j].Name)
	})
	return parasites
}

// fillPresence copies the overlay into a rendered entry. Caller holds mu.
func (r *Registry) fillPresence(entry *protocol.PresenceEntry) {
	entry.Status = protocol.StatusOffline
	if e, ok := r.presence[entry.ID]; ok {
		entry.Status = e.Status
		entry.Typing = e.TypingDestination
	}
}

func (r *Registry) presenceFrame() ([]byte, error) {
	return protocol.EncodeFrame(protocol.TypePresence, protocol.PresenceData{
		Parasites: r.Presence(context.Background()),
	})
}

// broadcastPresence sends the full presence list to every connection
func (r *Registry) broadcastPresence() {
	frame, err := r.presenceFrame()
	if err != nil {
		log.Error().Err(err).Msg("presence: encode")
		return
	}
	r.Broadcast(Static(frame))
}

func (r *Registry) sendPresenceTo(c *Connection) {
	frame, err := r.presenceFrame()
	if err != nil {
		log.Error().Err(err).Msg("presence: encode")
		return
	}
	r.SendTo(c, Static(frame))
}

// Broadcast sends to every live connection
func (r *Registry) Broadcast(payload Payload) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	return r.deliver("all", targets, payload)
}

// BroadcastToDestination sends to the connections of the room's current members
func (r *Registry) BroadcastToDestination(ctx context.Context, roomID string, payload Payload) (int, error) {
	members, err := r.members.RoomMembers(ctx, roomID)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	var targets []*Connection
	for _, identity := range members {
		for _, c := range r.byIdentity[identity] {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.deliver("room", targets, payload), nil
}

// BroadcastToIdentity sends to every connection of one identity
func (r *Registry) BroadcastToIdentity(identity string, payload Payload) int {
	return r.deliver("identity", r.ConnectionsFor(identity), payload)
}

// BroadcastExcept sends to every connection not belonging to identity
func (r *Registry) BroadcastExcept(identity string, payload Payload) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Identity != identity {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.deliver("except", targets, payload)
}

// SendTo sends to a single connection
func (r *Registry) SendTo(c *Connection, payload Payload) bool {
	return r.deliver("direct", []*Connection{c}, payload) == 1
}

// deliver renders and queues a frame per target. Connections whose queue is full are dropped.
func (r *Registry) deliver(scope string, targets []*Connection, payload Payload) int {
	start := time.Now()
	var overflowed []*Connection
	delivered := 0

	for _, c := range targets {
		frame, err := payload(c)
		if err != nil {
			log.Warn().Err(err).Str("conn", c.ID).Msg("failed to render frame")
			continue
		}
		if frame == nil {
			continue
		}
		switch c.enqueue(frame) {
		case enqueued:
			delivered++
		case queueFull:
			overflowed = append(overflowed, c)
		}
	}

	for _, c := range overflowed {
		log.Warn().Str("conn", c.ID).Str("parasite", c.Identity).Msg("outbound queue full, disconnecting")
		r.metrics.RecordOutboundOverflow()
		r.Remove(c, "overflow")
	}

	r.metrics.RecordBroadcast(scope, delivered, time.Since(start).Seconds())
	return delivered
}

// ConnectionsFor returns the live connections of identity
func (r *Registry) ConnectionsFor(identity string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identity]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline reports whether identity has at least one live connection
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OnlineCount returns the number of identities with a live connection
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// LatestPeerKey returns the most recently negotiated client key of identity
func (r *Registry) LatestPeerKey(identity string) []byte {
	var latest []byte
	var latestAt time.Time
	for _, c := range r.ConnectionsFor(identity) {
		peer, _, at := c.keyInfo()
		if peer != nil && at.After(latestAt) {
			latest, latestAt = peer, at
		}
	}
	return latest
}

// CloseAll closes every connection without presence broadcasts; used on shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.byIdentity = make(map[string]map[string]*Connection)
	for _, e := range r.presence {
		e.Status = protocol.StatusOffline
		e.TypingDestination = nil
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
