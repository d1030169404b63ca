package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    s.registry.Count(),
		"online":         s.registry.OnlineCount(),
	}

	status := http.StatusOK
	version, err := s.db.SchemaVersion()
	if err != nil {
		log.Error().Err(err).Msg("health: schema version")
		health["status"] = "degraded"
		health["database_accessible"] = false
		status = http.StatusServiceUnavailable
	} else {
		health["database_accessible"] = true
		health["schema_version"] = version
	}

	writeJSON(w, status, health)
}

// MetricsHandler exposes the relay's own prometheus registry
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{Registry: s.promReg})
}

// SendMessageHandler sends a chat message over HTTP. The payload must be encrypted with
// the key negotiated by the sender's most recent socket; the stored message comes back
// encrypted the same way.
func (s *Server) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, protocol.ErrCodeAuthRequired, "authentication required")
		return
	}
	parasite, err := s.db.GetParasite(r.Context(), identity)
	if errors.Is(err, database.ErrParasiteNotFound) {
		writeHTTPError(w, http.StatusUnauthorized, protocol.ErrCodeAuthRequired, "authentication required")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("parasite", identity).Msg("http send: load parasite")
		writeHTTPError(w, http.StatusInternalServerError, protocol.ErrCodeDatabaseError, "database error")
		return
	}
	if !parasite.Active {
		writeHTTPError(w, http.StatusForbidden, protocol.ErrCodeAccountDeactivated, "account deactivated")
		return
	}

	if s.config.MaxFrameBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxFrameBytes))
	}
	var req protocol.ChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHTTPError(w, http.StatusBadRequest, protocol.ErrCodeInvalidFormat, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeHTTPError(w, http.StatusBadRequest, protocol.ErrCodeInvalidInput, err.Error())
		return
	}

	peer := s.registry.LatestPeerKey(identity)
	if peer == nil {
		writeHTTPError(w, http.StatusConflict, protocol.ErrCodeKeyExchangeRequired, "no negotiated key; connect a socket and exchange keys first")
		return
	}

	msg, err := s.router.RouteAs(r.Context(), identity, peer, req.Destination, req.Payload)
	if err != nil {
		code, message := errorCode(err)
		status := httpStatus(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("parasite", identity).Msg("http send failed")
		}
		writeHTTPError(w, status, code, message)
		return
	}

	key, err := s.keys.DeriveTransportKey(peer)
	if err != nil {
		writeHTTPError(w, http.StatusInternalServerError, protocol.ErrCodeInternalError, "internal error")
		return
	}
	sealed, err := crypto.SealWithKey(key, msg.Plaintext)
	if err != nil {
		writeHTTPError(w, http.StatusInternalServerError, protocol.ErrCodeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, protocol.MessageData{
		ID:          protocol.FormatMessageID(msg.ID),
		Sender:      msg.SenderID,
		Destination: msg.Destination.ID,
		Kind:        string(msg.Destination.Kind),
		SentAt:      msg.SentAt,
		Payload:     protocol.NewEncryptedPayload(sealed),
	})
}

// httpStatus maps routing errors to HTTP statuses
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrTransportDecrypt), errors.Is(err, crypto.ErrDecrypt), errors.Is(err, protocol.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownDestination), errors.Is(err, database.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotRoomMember):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeHTTPError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, protocol.ErrorData{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode JSON response")
	}
}
