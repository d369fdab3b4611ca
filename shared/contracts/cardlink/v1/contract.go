// Package v1 defines the CardLink wire contract: the JSON envelope exchanged
// with the CardLink service and the typed payloads it carries.
//
// This package is dependency-light and shared by the session engine and its tests
// so the wire format stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload type constants (wire-stable).
const (
	// TypeRegisterEgk carries the card data read during registration (client -> service).
	TypeRegisterEgk = "RegisterEgk"
	// TypeReady acknowledges a RegisterEgk message (service -> client).
	TypeReady = "Ready"
	// TypeSendApdu carries a command APDU for the card (service -> client).
	TypeSendApdu = "SendApdu"
	// TypeSendApduResponse carries the card's response APDU (client -> service).
	TypeSendApduResponse = "SendApduResponse"
	// TypeRegisterEgkFinish ends the APDU exchange (service -> client).
	TypeRegisterEgkFinish = "RegisterEgkFinish"
	// TypeError reports a service-side failure (service -> client).
	TypeError = "Error"
)

// Envelope is the canonical wire wrapper.
//
// CardSessionID and CorrelationID are optional on the wire; the empty string means absent.
type Envelope struct {
	PayloadType   string          `json:"payloadType"`
	CardSessionID string          `json:"cardSessionId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Payload is implemented by every envelope payload variant.
type Payload interface {
	PayloadType() string
}

// NewEnvelope wraps p, deriving PayloadType from the variant.
func NewEnvelope(p Payload, cardSessionID, correlationID string) (Envelope, error) {
	if p == nil {
		return Envelope{}, errors.New("nil payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", p.PayloadType(), err)
	}
	return Envelope{
		PayloadType:   p.PayloadType(),
		CardSessionID: cardSessionID,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// ErrInvalidEnvelope is wrapped by every Validate failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.PayloadType) == "" {
		return fmt.Errorf("%w: missing field: payloadType", ErrInvalidEnvelope)
	}
	if !KnownType(e.PayloadType) {
		return fmt.Errorf("%w: unknown payloadType: %q", ErrInvalidEnvelope, e.PayloadType)
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: missing field: payload", ErrInvalidEnvelope)
	}
	return nil
}

// RequireIDs reports an error unless both cardSessionId and correlationId are set.
// Both are mandatory for APDU-stage messages.
func (e Envelope) RequireIDs() error {
	if strings.TrimSpace(e.CardSessionID) == "" {
		return errors.New("missing field: cardSessionId")
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return errors.New("missing field: correlationId")
	}
	return nil
}

// KnownType reports whether t is a payload type this contract understands.
func KnownType(t string) bool {
	switch t {
	case TypeRegisterEgk,
		TypeReady,
		TypeSendApdu,
		TypeSendApduResponse,
		TypeRegisterEgkFinish,
		TypeError:
		return true
	default:
		return false
	}
}

// DecodePayload decodes the payload into the variant selected by PayloadType.
func (e Envelope) DecodePayload() (Payload, error) {
	var p Payload
	switch e.PayloadType {
	case TypeRegisterEgk:
		p = &RegisterEgk{}
	case TypeReady:
		p = &Ready{}
	case TypeSendApdu:
		p = &SendApdu{}
	case TypeSendApduResponse:
		p = &SendApduResponse{}
	case TypeRegisterEgkFinish:
		p = &RegisterEgkFinish{}
	case TypeError:
		p = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown payloadType: %q", e.PayloadType)
	}

	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.PayloadType, err)
	}
	return p, nil
}

// SendApdu returns the SendApdu payload or an error when the envelope carries anything else.
func (e Envelope) SendApdu() (*SendApdu, error) {
	if e.PayloadType != TypeSendApdu {
		return nil, fmt.Errorf("payload is %q, not %q", e.PayloadType, TypeSendApdu)
	}
	p, err := e.DecodePayload()
	if err != nil {
		return nil, err
	}
	sa := p.(*SendApdu)
	if len(sa.APDU) == 0 {
		return nil, errors.New("missing field: apdu")
	}
	return sa, nil
}

// Marshal encodes an envelope as a JSON text frame.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates a JSON text frame.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
