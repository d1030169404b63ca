package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultMaxFrameSize is the largest inbound frame accepted unless configured otherwise (64 KB)
	DefaultMaxFrameSize = 64 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrInvalidFrame  = errors.New("frame is not a JSON object")
	ErrMissingType   = errors.New("frame has no type")
)

// Frame is one decoded inbound frame.
// Inbound frames are flat JSON objects: {"type": "...", ...fields}
type Frame struct {
	Type MessageType
	Raw  json.RawMessage
}

// DecodeFrame validates the frame shape and extracts its type.
// A maxSize of 0 disables the size check.
func DecodeFrame(data []byte, maxSize int) (*Frame, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrFrameTooLarge, len(data), maxSize)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if fields == nil {
		return nil, ErrInvalidFrame
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, ErrMissingType
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil || msgType == "" {
		return nil, ErrMissingType
	}

	return &Frame{Type: MessageType(msgType), Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the frame's fields into v and validates v if it knows how
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return nil
}

// Envelope is the outbound frame shape
type Envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// EncodeFrame marshals an outbound frame
func EncodeFrame(msgType MessageType, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// EncodeError builds an error frame, falling back to a fixed frame if marshalling fails
func EncodeError(code int, message string, request MessageType) []byte {
	frame, err := EncodeFrame(TypeError, ErrorData{Code: code, Message: message, Request: request})
	if err != nil {
		return []byte(`{"type":"error","data":{"code":9000,"message":"internal error"}}`)
	}
	return frame
}
