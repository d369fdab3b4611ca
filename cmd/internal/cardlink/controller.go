// Package cardlink implements the CardLink session engine: the inbound envelope
// channel, the WebSocket transport, card registration and the APDU relay that
// lets a remote service talk to a locally attached eGK.
package cardlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cardlink/cmd/internal/ids"
	"cardlink/cmd/internal/metrics"
	v1 "cardlink/shared/contracts/cardlink/v1"

	"github.com/coder/websocket"
)

// releaseTimeout bounds DestroySession, transport close and audit writes at teardown.
const releaseTimeout = 10 * time.Second

// Config holds the protocol waits. Zero values select the defaults (30s each).
type Config struct {
	APDUWait        time.Duration
	FinishWait      time.Duration
	RegisterAckWait time.Duration
}

// Deps are the collaborators of one Controller. Recorder is optional.
type Deps struct {
	Dispatcher Dispatcher
	Reader     DatasetReader
	Consent    ConsentEngine
	Transport  Transport
	Recorder   Recorder
}

// Controller runs exactly one CardLink session: it owns the card session and the
// transport for the duration of Run and releases both on every exit path.
type Controller struct {
	log        *slog.Logger
	dispatcher Dispatcher
	transport  Transport
	recorder   Recorder
	handshake  *Handshake
	cfg        Config
	now        func() time.Time

	ran  atomic.Bool
	sess atomic.Pointer[Session]
}

// NewController validates deps and constructs a Controller.
func NewController(log *slog.Logger, deps Deps, cfg Config) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case deps.Dispatcher == nil:
		return nil, errors.New("cardlink: nil dispatcher")
	case deps.Reader == nil:
		return nil, errors.New("cardlink: nil dataset reader")
	case deps.Consent == nil:
		return nil, errors.New("cardlink: nil consent engine")
	case deps.Transport == nil:
		return nil, errors.New("cardlink: nil transport")
	}

	if cfg.APDUWait <= 0 {
		cfg.APDUWait = defaultAPDUWait
	}
	if cfg.FinishWait <= 0 {
		cfg.FinishWait = defaultFinishWait
	}
	if cfg.RegisterAckWait <= 0 {
		cfg.RegisterAckWait = defaultRegisterAckWait
	}

	return &Controller{
		log:        log,
		dispatcher: deps.Dispatcher,
		transport:  deps.Transport,
		recorder:   deps.Recorder,
		handshake:  NewHandshake(log, deps.Consent, deps.Reader, cfg.RegisterAckWait),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Session returns the session of the current or last run, or nil before Run.
func (c *Controller) Session() *Session {
	return c.sess.Load()
}

// Run performs one complete attempt and returns nil on success.
func (c *Controller) Run(ctx context.Context) (err error) {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	start := c.now()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	id, err := ids.NewULID(start)
	if err != nil {
		return fmt.Errorf("cardlink: session id: %w", err)
	}

	log := c.log.With("session_id", id)
	ch := NewChannel(log)
	sess := newSession(id, start, c.transport, ch, ConnectionHandle{})
	c.sess.Store(sess)

	defer c.finish(sess, log, &err)

	conHandle, err := c.dispatcher.CreateSession(ctx)
	if err != nil {
		return dispatchErr("CreateSession", err)
	}
	sess.setCardHandle(conHandle)
	log.Info("cardlink.session.open", "context_handle", conHandle.ContextHandle)

	// Deferred in reverse: the card session is destroyed before the transport closes.
	defer c.closeTransport(sess, log, &err)
	defer c.destroySession(ctx, sess, log)

	if err := c.transport.SetListener(ch); err != nil {
		return fmt.Errorf("cardlink: attach listener: %w", err)
	}
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect: %w", ErrTransportClosed, err)
	}
	sess.setState(StateConnected)

	cardHandle, err := c.dispatcher.DIDAuthenticate(ctx, conHandle, ProtocolID)
	if err != nil {
		return dispatchErr("DIDAuthenticate", err)
	}
	if cardHandle.IsZero() {
		return dispatchErr("DIDAuthenticate", errors.New("no handle to the connected card"))
	}
	sess.setCardHandle(cardHandle)
	sess.setState(StateAuthenticated)

	res := c.handshake.Perform(ctx, sess, cardHandle)
	if !res.OK {
		if res.Err == nil {
			return errors.New("cardlink: registration failed")
		}
		return res.Err
	}

	sess.setState(StateRelaying)
	if err := c.relay(ctx, sess, log); err != nil {
		return err
	}

	return c.awaitFinish(ctx, sess, log)
}

// awaitFinish consumes the RegisterEgkFinish envelope. The relay loop only peeks.
func (c *Controller) awaitFinish(ctx context.Context, sess *Session, log *slog.Logger) error {
	env, ok := sess.Channel.Retrieve(ctx, v1.TypeRegisterEgkFinish, c.cfg.FinishWait)
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		if code, reason, closed := sess.Channel.CloseStatus(); closed {
			return fmt.Errorf("%w: before %s (code=%d reason=%q)", ErrTransportClosed, v1.TypeRegisterEgkFinish, int(code), reason)
		}
		if !sess.Channel.IsOpen() {
			return fmt.Errorf("%w: before %s", ErrTransportClosed, v1.TypeRegisterEgkFinish)
		}
		return fmt.Errorf("%w: no %s within %s", ErrTimeout, v1.TypeRegisterEgkFinish, c.cfg.FinishWait)
	}

	sess.SetCorrelationID(env.CorrelationID)

	remove := false
	if p, err := env.DecodePayload(); err == nil {
		if f, ok := p.(*v1.RegisterEgkFinish); ok {
			remove = f.RemoveCardSession
		}
	}
	log.Info("cardlink.session.finish",
		"correlation_id", env.CorrelationID,
		"remove_card_session", remove,
		"apdus", sess.APDUCount(),
	)
	sess.setState(StateFinished)
	return nil
}

func (c *Controller) destroySession(ctx context.Context, sess *Session, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := c.dispatcher.DestroySession(rctx, sess.CardHandle()); err != nil {
		log.Error("cardlink.release.fail", "resource", "card_session", "err", dispatchErr("DestroySession", err))
		return
	}
	log.Info("cardlink.session.destroyed")
}

func (c *Controller) closeTransport(sess *Session, log *slog.Logger, errp *error) {
	code, reason := websocket.StatusNormalClosure, ""
	if *errp != nil {
		code, reason = closeStatusFor(*errp)
	}
	if err := sess.Transport.Close(code, reason); err != nil {
		log.Error("cardlink.release.fail", "resource", "transport", "err", err)
	}
}

func (c *Controller) finish(sess *Session, log *slog.Logger, errp *error) {
	err := *errp
	end := c.now()
	ok := err == nil
	if !ok {
		sess.setState(StateFailed)
	}

	metrics.RecordSession(ok, end.Sub(sess.StartedAt))

	if ok {
		log.Info("cardlink.session.done", "result", "success", "apdus", sess.APDUCount(), "duration_ms", end.Sub(sess.StartedAt).Milliseconds())
	} else {
		log.Error("cardlink.session.done", "result", "failure", "apdus", sess.APDUCount(), "err", err)
	}

	if c.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if rerr := c.recorder.RecordAttempt(rctx, Attempt{
		SessionID:       sess.ID,
		CorrelationID:   sess.CorrelationID(),
		CardFingerprint: sess.CardFingerprint(),
		State:           sess.State(),
		APDUCount:       sess.APDUCount(),
		StartedAt:       sess.StartedAt,
		FinishedAt:      end,
		Err:             err,
	}); rerr != nil {
		log.Warn("cardlink.audit.fail", "err", rerr)
	}
}

// closeStatusFor maps a session failure to a close frame.
func closeStatusFor(err error) (websocket.StatusCode, string) {
	switch {
	case IsConsentFailure(err):
		return websocket.StatusNormalClosure, "consent not given"
	case errors.Is(err, ErrTimeout):
		return websocket.StatusGoingAway, "timeout"
	case errors.Is(err, ErrTransportClosed):
		return websocket.StatusGoingAway, "transport closed"
	case errors.Is(err, ErrTransmit):
		return websocket.StatusInternalError, "card transmit failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusGoingAway, "cancelled"
	default:
		return websocket.StatusInternalError, "session failed"
	}
}
