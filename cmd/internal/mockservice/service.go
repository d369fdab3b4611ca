// Package mockservice is a scripted CardLink service for local runs and tests.
//
// For every accepted connection it plays the service side of one session:
//   - read RegisterEgk
//   - acknowledge with Ready (or reject with Error)
//   - send each scripted SendApdu and read its SendApduResponse
//   - send RegisterEgkFinish and wait for the bridge to close
package mockservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	v1 "cardlink/shared/contracts/cardlink/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// Script drives one session.
type Script struct {
	Commands          [][]byte
	CorrelationID     string
	RemoveCardSession bool

	// SkipReady leaves registration to be acknowledged implicitly by the first command.
	SkipReady bool
	// Reject, when set, answers RegisterEgk with this error and closes.
	Reject *v1.ErrorPayload

	StepTimeout time.Duration
}

// Transcript is what the service observed during one session.
type Transcript struct {
	Register      *v1.RegisterEgk
	Responses     []v1.Envelope
	Authorization string
	CloseCode     websocket.StatusCode
	Err           error
}

// Service is an http.Handler speaking the service side of CardLink.
type Service struct {
	log    *slog.Logger
	script Script
	out    chan Transcript
}

// New constructs a Service. Transcripts are buffered up to 16 sessions.
func New(log *slog.Logger, script Script) *Service {
	if log == nil {
		log = slog.Default()
	}
	if script.StepTimeout <= 0 {
		script.StepTimeout = 10 * time.Second
	}
	if script.CorrelationID == "" {
		script.CorrelationID = "mock-correlation"
	}
	return &Service{log: log, script: script, out: make(chan Transcript, 16)}
}

// Transcripts yields one Transcript per finished connection.
func (s *Service) Transcripts() <-chan Transcript { return s.out }

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tr := Transcript{Authorization: r.Header.Get("Authorization")}
	defer func() {
		select {
		case s.out <- tr:
		default:
			s.log.Warn("mock.transcript.dropped")
		}
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		tr.Err = err
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxReadBytes)

	tr.Err = s.play(r.Context(), conn, &tr)
	if tr.Err != nil {
		s.log.Info("mock.session.fail", "err", tr.Err)
		return
	}
	s.log.Info("mock.session.done", "responses", len(tr.Responses), "close_code", int(tr.CloseCode))
}

func (s *Service) play(ctx context.Context, conn *websocket.Conn, tr *Transcript) error {
	env, err := s.read(ctx, conn)
	if err != nil {
		return fmt.Errorf("read RegisterEgk: %w", err)
	}
	p, err := env.DecodePayload()
	if err != nil {
		return err
	}
	reg, ok := p.(*v1.RegisterEgk)
	if !ok {
		return fmt.Errorf("expected %s, got %s", v1.TypeRegisterEgk, env.PayloadType)
	}
	tr.Register = reg
	csid := reg.CardSessionID
	s.log.Info("mock.registered", "card_session_id", csid, "gdo_len", len(reg.GDO))

	if s.script.Reject != nil {
		if err := s.write(ctx, conn, s.script.Reject, csid); err != nil {
			return err
		}
		tr.CloseCode = s.awaitClose(ctx, conn)
		return nil
	}
	if !s.script.SkipReady {
		if err := s.write(ctx, conn, &v1.Ready{}, csid); err != nil {
			return err
		}
	}

	for i, cmd := range s.script.Commands {
		if err := s.write(ctx, conn, &v1.SendApdu{APDU: cmd}, csid); err != nil {
			return err
		}
		resp, err := s.read(ctx, conn)
		if err != nil {
			return fmt.Errorf("read response %d: %w", i, err)
		}
		if resp.PayloadType != v1.TypeSendApduResponse {
			return fmt.Errorf("response %d: expected %s, got %s", i, v1.TypeSendApduResponse, resp.PayloadType)
		}
		tr.Responses = append(tr.Responses, resp)
	}

	if err := s.write(ctx, conn, &v1.RegisterEgkFinish{RemoveCardSession: s.script.RemoveCardSession}, csid); err != nil {
		return err
	}
	tr.CloseCode = s.awaitClose(ctx, conn)
	return nil
}

func (s *Service) read(parent context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(parent, s.script.StepTimeout)
	defer cancel()

	_, b, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Unmarshal(b)
}

func (s *Service) write(parent context.Context, conn *websocket.Conn, p v1.Payload, csid string) error {
	env, err := v1.NewEnvelope(p, csid, s.script.CorrelationID)
	if err != nil {
		return err
	}
	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, s.script.StepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write %s: %w", p.PayloadType(), err)
	}
	return nil
}

// awaitClose reads until the bridge closes and returns its close code.
func (s *Service) awaitClose(parent context.Context, conn *websocket.Conn) websocket.StatusCode {
	ctx, cancel := context.WithTimeout(parent, s.script.StepTimeout)
	defer cancel()

	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if code := websocket.CloseStatus(err); code != -1 {
			return code
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("mock.close.timeout")
		}
		return -1
	}
}
