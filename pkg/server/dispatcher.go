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
	ErrPermissionDenied = errors.New("permission denied")
	ErrToolUnavailable  = errors.New("no such tool")
)

// HandlerFunc handles one decoded frame from a connection
type HandlerFunc func(ctx context.Context, c *Connection, frame *protocol.Frame) error

type handlerEntry struct {
	handle        HandlerFunc
	requiresReady bool
}

// Dispatcher routes inbound frames to handlers by type and turns handler
// errors into error frames for the sender
type Dispatcher struct {
	handlers      map[protocol.MessageType]handlerEntry
	unknown       HandlerFunc
	maxFrameBytes int
	registry      *Registry
	metrics       *Metrics
}

func NewDispatcher(handlers map[protocol.MessageType]handlerEntry, maxFrameBytes int, registry *Registry, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		handlers:      handlers,
		unknown:       handleUnknown,
		maxFrameBytes: maxFrameBytes,
		registry:      registry,
		metrics:       metrics,
	}
}

func handleUnknown(_ context.Context, c *Connection, frame *protocol.Frame) error {
	log.Debug().Str("conn", c.ID).Str("type", string(frame.Type)).Msg("ignoring unknown frame type")
	return nil
}

// Dispatch handles one raw inbound frame. It never returns an error: every failure
// is reported to the sending connection only.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, data []byte) {
	frame, err := protocol.DecodeFrame(data, d.maxFrameBytes)
	if err != nil {
		d.metrics.RecordFrameReceived("invalid")
		code := protocol.ErrCodeInvalidFormat
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			code = protocol.ErrCodeFrameTooLarge
		}
		d.sendError(c, code, err.Error(), "")
		return
	}

	entry, ok := d.handlers[frame.Type]
	if !ok {
		d.metrics.RecordFrameReceived("unknown")
		d.unknown(ctx, c, frame)
		return
	}
	d.metrics.RecordFrameReceived(string(frame.Type))

	if entry.requiresReady && c.State() != StateReady {
		d.sendError(c, protocol.ErrCodeKeyExchangeRequired, ErrNotReady.Error(), frame.Type)
		return
	}

	if err := d.invoke(ctx, entry.handle, c, frame); err != nil {
		code, message := errorCode(err)
		if code >= protocol.ErrCodeInternalError {
			log.Error().Err(err).Str("conn", c.ID).Str("type", string(frame.Type)).Msg("handler failed")
		}
		d.sendError(c, code, message, frame.Type)
	}
}

// invoke runs a handler, converting a panic into an error
func (d *Dispatcher) invoke(ctx context.Context, handle HandlerFunc, c *Connection, frame *protocol.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handle(ctx, c, frame)
}

func (d *Dispatcher) sendError(c *Connection, code int, message string, request protocol.MessageType) {
	d.metrics.RecordFrameSent(string(protocol.TypeError))
	d.registry.SendTo(c, Static(protocol.EncodeError(code, message, request)))
}

// errorCode maps an error to its wire code and the message shown to the client.
// Unclassified errors are not echoed back.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrInvalidInput):
		return protocol.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, ErrTransportDecrypt), errors.Is(err, crypto.ErrDecrypt), errors.Is(err, ErrNoTransportKey):
		return protocol.ErrCodeDecryptFailed, ErrTransportDecrypt.Error()
	case errors.Is(err, ErrNotReady):
		return protocol.ErrCodeKeyExchangeRequired, err.Error()
	case errors.Is(err, ErrUnknownDestination):
		return protocol.ErrCodeUnknownDestination, err.Error()
	case errors.Is(err, database.ErrRoomNotFound):
		return protocol.ErrCodeRoomNotFound, err.Error()
	case errors.Is(err, database.ErrParasiteNotFound), errors.Is(err, database.ErrNotInvited),
		errors.Is(err, database.ErrNotMember), errors.Is(err, ErrToolUnavailable):
		return protocol.ErrCodeNotFound, err.Error()
	case errors.Is(err, ErrNotRoomMember), errors.Is(err, ErrPermissionDenied), errors.Is(err, database.ErrOwnerCannotLeave):
		return protocol.ErrCodePermissionDenied, err.Error()
	case errors.Is(err, database.ErrAlreadyMember):
		return protocol.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, ErrDatabase):
		return protocol.ErrCodeDatabaseError, "database error"
	default:
		return protocol.ErrCodeInternalError, "internal error"
	}
}
