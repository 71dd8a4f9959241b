package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidEnvelope indicates that an inbound frame is not a well-formed envelope.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	// ErrInvalidPayload indicates that an envelope payload does not match its type.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
	// ErrRateLimited indicates that a frame arrived faster than the connection allows.
	ErrRateLimited = errors.New("protocol: message rate exceeded")
	// ErrMessageTooLarge indicates that a frame exceeded the configured size.
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

const maxTypeLength = 64

// Envelope is the discriminated frame exchanged over a connection.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewEnvelope marshals payload and stamps the envelope with now in unix milliseconds.
func NewEnvelope(messageType string, payload any, now time.Time) (Envelope, error) {
	envelope := Envelope{Type: messageType, Timestamp: now.UnixMilli()}
	if payload == nil {
		envelope.Payload = json.RawMessage("{}")
		return envelope, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	envelope.Payload = encoded
	return envelope, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(messageType string, payload any, now time.Time) Envelope {
	envelope, err := NewEnvelope(messageType, payload, now)
	if err != nil {
		panic(err)
	}
	return envelope
}

// Decode parses a raw frame into an envelope. The payload is left undecoded.
func Decode(frame []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: expected json object", ErrInvalidEnvelope)
	}
	var envelope Envelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	envelope.Type = strings.TrimSpace(envelope.Type)
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type required", ErrInvalidEnvelope)
	}
	if len(envelope.Type) > maxTypeLength {
		return Envelope{}, fmt.Errorf("%w: type exceeds %d characters", ErrInvalidEnvelope, maxTypeLength)
	}
	return envelope, nil
}

// Encode renders the envelope as a single-line json frame.
func Encode(envelope Envelope) ([]byte, error) {
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: type required", ErrInvalidEnvelope)
	}
	return json.Marshal(envelope)
}

// DecodePayload unmarshals the envelope payload into T. An absent payload decodes to the zero value.
func DecodePayload[T any](envelope Envelope) (T, error) {
	var payload T
	raw := bytes.TrimSpace(envelope.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, envelope.Type, err)
	}
	return payload, nil
}
