package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Frames up to this multiple of max_frame_bytes are read and rejected with an
	// error frame; anything larger makes the socket library drop the connection.
	readLimitFactor = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers and terminal clients connect from anywhere; the session token is the gate
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket authenticates the request, upgrades it and runs the connection
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket auth rejected")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	parasite, err := s.db.GetParasite(r.Context(), identity)
	if errors.Is(err, database.ErrParasiteNotFound) {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("parasite", identity).Msg("websocket: load parasite")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !parasite.Active {
		http.Error(w, "account deactivated", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := NewConnection(identity, r.RemoteAddr, s.config.OutboundQueueSize)

	// The server key goes out before anything else, presence included
	keyFrame, err := protocol.EncodeFrame(protocol.TypeKeyExchange, protocol.KeyExchangeData{
		PublicKey: base64.StdEncoding.EncodeToString(s.keys.PublicKey()),
	})
	if err != nil {
		log.Error().Err(err).Msg("encode key exchange")
		ws.Close()
		return
	}
	c.enqueue(keyFrame)
	s.metrics.RecordFrameSent(string(protocol.TypeKeyExchange))

	s.registry.Add(c)
	log.Info().Str("conn", c.ID).Str("parasite", identity).Str("remote", r.RemoteAddr).Msg("websocket connected")

	go s.writePump(ws, c)
	go s.watchActive(c)
	go s.readLoop(ws, c)
}

// readLoop feeds inbound frames to the dispatcher until the socket fails or the connection closes
func (s *Server) readLoop(ws *websocket.Conn, c *Connection) {
	reason := "closed"
	defer func() {
		if s.registry.Remove(c, reason) {
			log.Info().Str("conn", c.ID).Str("parasite", c.Identity).Str("reason", reason).Msg("websocket disconnected")
		}
	}()

	if s.config.MaxFrameBytes > 0 {
		ws.SetReadLimit(int64(s.config.MaxFrameBytes) * readLimitFactor)
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.IsClosed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				reason = "error"
				log.Debug().Err(err).Str("conn", c.ID).Msg("websocket read failed")
				s.sendAuthFailure(c, "connection lost")
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.db.TouchLastActive(c.Identity)
		s.dispatcher.Dispatch(s.ctx, c, data)
	}
}

// writePump is the only writer of the socket. After the connection is closed it
// flushes what is already queued, then sends a close frame.
func (s *Server) writePump(ws *websocket.Conn, c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame := <-c.Outbound():
			if err := writeFrame(ws, frame); err != nil {
				s.registry.Remove(c, "write error")
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.registry.Remove(c, "ping timeout")
				return
			}

		case <-c.Done():
			for {
				select {
				case frame := <-c.Outbound():
					if err := writeFrame(ws, frame); err != nil {
						return
					}
				default:
					ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func writeFrame(ws *websocket.Conn, frame []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// watchActive re-checks the parasite's account and logs the connection out once it
// is deactivated or deleted
func (s *Server) watchActive(c *Connection) {
	if s.config.ActiveCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.ActiveCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			parasite, err := s.db.GetParasite(s.ctx, c.Identity)
			switch {
			case errors.Is(err, database.ErrParasiteNotFound):
				s.forceLogout(c, "account removed")
				return
			case err != nil:
				log.Warn().Err(err).Str("parasite", c.Identity).Msg("active check failed")
			case !parasite.Active:
				s.forceLogout(c, "account deactivated")
				return
			}
		}
	}
}

func (s *Server) forceLogout(c *Connection, reason string) {
	log.Info().Str("conn", c.ID).Str("parasite", c.Identity).Str("reason", reason).Msg("forcing logout")
	s.sendAuthFailure(c, reason)
	s.registry.Remove(c, "deactivated")
}

// sendAuthFailure is best effort; the writer flushes it before closing
func (s *Server) sendAuthFailure(c *Connection, reason string) {
	if err := s.send(c, protocol.TypeAuthFailure, protocol.AuthFailureData{Reason: reason}); err != nil {
		log.Warn().Err(err).Str("conn", c.ID).Msg("auth failure frame")
	}
}
