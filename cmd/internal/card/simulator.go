// Package card provides local stand-ins for the card stack: a virtual eGK behind
// an in-memory dispatcher, and consent engines for unattended and terminal use.
package card

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cardlink/cmd/internal/cardlink"
	"cardlink/cmd/internal/ids"
)

var (
	ErrUnknownHandle = errors.New("card: unknown handle")
	ErrNoCard        = errors.New("card: no card present")
	ErrUnknownFile   = errors.New("card: unknown data set")
)

// Status words returned by the simulator.
var (
	swOK          = []byte{0x90, 0x00}
	swWrongLength = []byte{0x67, 0x00}
)

// Card is the content of a virtual eGK.
type Card struct {
	IFDName  string
	Datasets map[string][]byte
}

// DefaultCard returns a virtual eGK with plausible, fixed data sets.
func DefaultCard() Card {
	return Card{
		IFDName: "CardLink Virtual Reader 0",
		Datasets: map[string][]byte{
			// 5A 0A <ICCSN>
			cardlink.DatasetGDO:     {0x5a, 0x0a, 0x80, 0x27, 0x68, 0x83, 0x11, 0x00, 0x00, 0x12, 0x34, 0x56},
			cardlink.DatasetVersion: {0xef, 0x2b, 0xc0, 0x03, 0x02, 0x00, 0x00, 0xc1, 0x03, 0x04, 0x05, 0x00},
			cardlink.DatasetCVCAuth: filler(0x7f, 0x21, 222),
			cardlink.DatasetCVCCA:   filler(0x7f, 0x21, 217),
			// 3B D3 96 FF 81 B1 FE 45 1F 07 80 81 05 2D
			cardlink.DatasetATR:         {0x3b, 0xd3, 0x96, 0xff, 0x81, 0xb1, 0xfe, 0x45, 0x1f, 0x07, 0x80, 0x81, 0x05, 0x2d},
			cardlink.DatasetX509AuthECC: filler(0x30, 0x82, 780),
			cardlink.DatasetX509AuthRSA: filler(0x30, 0x82, 1420),
		},
	}
}

// filler builds a tagged blob of n bytes with a deterministic body.
func filler(t0, t1 byte, n int) []byte {
	b := make([]byte, n)
	b[0], b[1] = t0, t1
	for i := 2; i < n; i++ {
		b[i] = byte(i * 31)
	}
	return b
}

// Simulator implements cardlink.Dispatcher and cardlink.DatasetReader against a
// virtual card. Responses to APDUs are scripted by command; unscripted commands
// answer 9000.
type Simulator struct {
	log *slog.Logger

	mu        sync.Mutex
	card      Card
	present   bool
	responses map[string][]byte
	sessions  map[string]bool
	transmits int
}

// NewSimulator constructs a Simulator with c inserted.
func NewSimulator(log *slog.Logger, c Card) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	if c.IFDName == "" {
		c.IFDName = DefaultCard().IFDName
	}
	return &Simulator{
		log:       log,
		card:      c,
		present:   true,
		responses: make(map[string][]byte),
		sessions:  make(map[string]bool),
	}
}

// Script sets the response to the APDU given as hex (case and spaces ignored).
func (s *Simulator) Script(commandHex string, response []byte) error {
	cmd, err := normalizeHex(commandHex)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.responses[cmd] = bytes.Clone(response)
	s.mu.Unlock()
	return nil
}

// RemoveCard simulates pulling the card from the reader.
func (s *Simulator) RemoveCard() {
	s.mu.Lock()
	s.present = false
	s.mu.Unlock()
}

// OpenSessions returns how many sessions are open.
func (s *Simulator) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Transmits returns how many APDUs reached the card.
func (s *Simulator) Transmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmits
}

func (s *Simulator) CreateSession(_ context.Context) (cardlink.ConnectionHandle, error) {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return cardlink.ConnectionHandle{}, err
	}
	s.mu.Lock()
	s.sessions[id] = true
	s.mu.Unlock()

	s.log.Debug("card.session.create", "context_handle", id)
	return cardlink.ConnectionHandle{ContextHandle: id}, nil
}

func (s *Simulator) DestroySession(_ context.Context, h cardlink.ConnectionHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sessions[h.ContextHandle] {
		return fmt.Errorf("%w: %q", ErrUnknownHandle, h.ContextHandle)
	}
	delete(s.sessions, h.ContextHandle)
	s.log.Debug("card.session.destroy", "context_handle", h.ContextHandle)
	return nil
}

func (s *Simulator) DIDAuthenticate(_ context.Context, h cardlink.ConnectionHandle, protocol string) (cardlink.ConnectionHandle, error) {
	if protocol != cardlink.ProtocolID {
		return cardlink.ConnectionHandle{}, fmt.Errorf("card: unsupported protocol %q", protocol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sessions[h.ContextHandle] {
		return cardlink.ConnectionHandle{}, fmt.Errorf("%w: %q", ErrUnknownHandle, h.ContextHandle)
	}
	if !s.present {
		return cardlink.ConnectionHandle{}, ErrNoCard
	}
	return cardlink.ConnectionHandle{
		ContextHandle: h.ContextHandle,
		SlotHandle:    "slot-0",
		IFDName:       s.card.IFDName,
	}, nil
}

func (s *Simulator) Transmit(_ context.Context, h cardlink.ConnectionHandle, apdu []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSlotLocked(h); err != nil {
		return nil, err
	}
	s.transmits++

	if len(apdu) < 4 {
		return bytes.Clone(swWrongLength), nil
	}
	if resp, ok := s.responses[strings.ToUpper(hex.EncodeToString(apdu))]; ok {
		return bytes.Clone(resp), nil
	}
	return bytes.Clone(swOK), nil
}

func (s *Simulator) ReadDataset(_ context.Context, h cardlink.ConnectionHandle, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSlotLocked(h); err != nil {
		return nil, err
	}
	b, ok := s.card.Datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	return bytes.Clone(b), nil
}

func (s *Simulator) checkSlotLocked(h cardlink.ConnectionHandle) error {
	if !s.sessions[h.ContextHandle] || h.SlotHandle == "" {
		return fmt.Errorf("%w: %+v", ErrUnknownHandle, h)
	}
	if !s.present {
		return ErrNoCard
	}
	return nil
}

func normalizeHex(s string) (string, error) {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("card: invalid hex command: %w", err)
	}
	return s, nil
}
