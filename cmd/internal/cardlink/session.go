package cardlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "cardlink/shared/contracts/cardlink/v1"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	StateCreated State = iota
	StateConnected
	StateAuthenticated
	StateRegistered
	StateRelaying
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateRegistered:
		return "registered"
	case StateRelaying:
		return "relaying"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the context of one authentication attempt. The Controller creates it,
// owns it, and hands it by reference to the handshake. It is never shared between attempts.
type Session struct {
	ID        string
	StartedAt time.Time

	Transport Transport
	Channel   *Channel

	mu              sync.Mutex
	cardHandle      ConnectionHandle
	correlationID   string
	cardFingerprint string
	state           State
	apdus           int
}

func newSession(id string, now time.Time, tr Transport, ch *Channel, h ConnectionHandle) *Session {
	return &Session{
		ID:         id,
		StartedAt:  now,
		Transport:  tr,
		Channel:    ch,
		cardHandle: h,
		state:      StateCreated,
	}
}

// CardHandle returns the current handle: the session handle until DIDAuthenticate
// yields the card handle.
func (s *Session) CardHandle() ConnectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardHandle
}

func (s *Session) setCardHandle(h ConnectionHandle) {
	s.mu.Lock()
	s.cardHandle = h
	s.mu.Unlock()
}

// CorrelationID returns the correlation id once registration is underway.
func (s *Session) CorrelationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correlationID
}

// SetCorrelationID records id unless one is already set.
func (s *Session) SetCorrelationID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if s.correlationID == "" {
		s.correlationID = id
	}
	s.mu.Unlock()
}

// CardFingerprint returns the digest of the registered card, if any.
func (s *Session) CardFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardFingerprint
}

func (s *Session) setCardFingerprint(fp string) {
	s.mu.Lock()
	s.cardFingerprint = fp
	s.mu.Unlock()
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// APDUCount returns how many APDUs were relayed.
func (s *Session) APDUCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apdus
}

func (s *Session) countAPDU() {
	s.mu.Lock()
	s.apdus++
	s.mu.Unlock()
}

// Send encodes p in an envelope for this session and writes it to the transport.
func (s *Session) Send(ctx context.Context, p v1.Payload, correlationID string) error {
	env, err := v1.NewEnvelope(p, s.ID, correlationID)
	if err != nil {
		return err
	}
	return s.sendEnvelope(ctx, env)
}

func (s *Session) sendEnvelope(ctx context.Context, env v1.Envelope) error {
	raw, err := v1.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.Transport.Send(ctx, raw)
}
