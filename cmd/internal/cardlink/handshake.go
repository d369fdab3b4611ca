package cardlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "cardlink/shared/contracts/cardlink/v1"
)

// Card data sets read during registration, in wire order.
const (
	DatasetGDO         = "EF.GDO"
	DatasetVersion     = "EF.Version2"
	DatasetCVCAuth     = "EF.C.eGK.AUT_CVC.E256"
	DatasetCVCCA       = "EF.C.CA.CS.E256"
	DatasetATR         = "EF.ATR"
	DatasetX509AuthECC = "EF.C.CH.AUT.E256"
	DatasetX509AuthRSA = "EF.C.CH.AUT.R2048"
)

// RegistrationDatasets lists the data sets in the order they are read.
var RegistrationDatasets = []string{
	DatasetGDO,
	DatasetVersion,
	DatasetCVCAuth,
	DatasetCVCCA,
	DatasetATR,
	DatasetX509AuthECC,
	DatasetX509AuthRSA,
}

// Result is the outcome of a protocol step as seen by the authentication engine.
type Result struct {
	OK  bool
	Err error
}

func okResult() Result { return Result{OK: true} }

func failResult(err error) Result { return Result{Err: err} }

// Handshake registers the attached card with the CardLink service: consent, card
// data read, RegisterEgk, then a bounded wait for the service's acknowledgement.
type Handshake struct {
	log     *slog.Logger
	consent ConsentEngine
	reader  DatasetReader
	ackWait time.Duration
}

// NewHandshake constructs a Handshake. ackWait <= 0 selects the default.
func NewHandshake(log *slog.Logger, consent ConsentEngine, reader DatasetReader, ackWait time.Duration) *Handshake {
	if log == nil {
		log = slog.Default()
	}
	if ackWait <= 0 {
		ackWait = defaultRegisterAckWait
	}
	return &Handshake{log: log, consent: consent, reader: reader, ackWait: ackWait}
}

// Perform runs the step for sess, bound to the card handle h. It never panics;
// every failure is reported through Result.
func (hs *Handshake) Perform(ctx context.Context, sess *Session, h ConnectionHandle) (res Result) {
	log := hs.log.With("session_id", sess.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("cardlink.handshake.panic", "panic", r)
			res = failResult(fmt.Errorf("%w: handshake panic: %v", ErrSessionFault, r))
		}
	}()

	if err := hs.runConsent(ctx, h); err != nil {
		log.Info("cardlink.handshake.consent.fail", "err", err)
		return failResult(err)
	}

	reg, err := hs.readCardData(ctx, sess.ID, h)
	if err != nil {
		log.Error("cardlink.handshake.read.fail", "err", err)
		return failResult(err)
	}
	sess.setCardFingerprint(CardFingerprint(reg.GDO))

	if err := sess.Send(ctx, reg, ""); err != nil {
		log.Error("cardlink.handshake.send.fail", "err", err)
		return failResult(fmt.Errorf("send %s: %w", v1.TypeRegisterEgk, err))
	}
	log.Info("cardlink.handshake.registered", "card_fingerprint", sess.CardFingerprint())

	if err := hs.awaitAck(ctx, sess); err != nil {
		log.Error("cardlink.handshake.ack.fail", "err", err)
		return failResult(err)
	}

	sess.setState(StateRegistered)
	return okResult()
}

func (hs *Handshake) runConsent(ctx context.Context, h ConnectionHandle) error {
	outcome, err := hs.consent.RunConsent(ctx, h)
	switch {
	case err != nil:
		// A terminated or broken consent flow is a cancellation, never a fault that escapes.
		return fmt.Errorf("%w: %w", ErrConsentCancelled, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrConsentCancelled, ctx.Err())
	}

	switch outcome {
	case ConsentOK:
		return nil
	case ConsentDeclined:
		return ErrConsentDeclined
	default:
		return ErrConsentCancelled
	}
}

func (hs *Handshake) readCardData(ctx context.Context, cardSessionID string, h ConnectionHandle) (*v1.RegisterEgk, error) {
	data := make(map[string][]byte, len(RegistrationDatasets))
	for _, name := range RegistrationDatasets {
		b, err := hs.reader.ReadDataset(ctx, h, name)
		if err != nil {
			return nil, dispatchErr("read "+name, err)
		}
		data[name] = b
	}

	return &v1.RegisterEgk{
		CardSessionID: cardSessionID,
		GDO:           data[DatasetGDO],
		CardVersion:   data[DatasetVersion],
		CVCAuth:       data[DatasetCVCAuth],
		CVCCA:         data[DatasetCVCCA],
		ATR:           data[DatasetATR],
		X509AuthECC:   data[DatasetX509AuthECC],
		X509AuthRSA:   data[DatasetX509AuthRSA],
	}, nil
}

// awaitAck waits for the service to react to RegisterEgk. Ready is consumed;
// SendApdu or RegisterEgkFinish count as an implicit acknowledgement and stay queued
// for the relay loop. An Error envelope fails the step.
func (hs *Handshake) awaitAck(ctx context.Context, sess *Session) error {
	typ, err := sess.Channel.Await(ctx, hs.ackWait,
		v1.TypeReady, v1.TypeSendApdu, v1.TypeRegisterEgkFinish, v1.TypeError)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return fmt.Errorf("%w: no acknowledgement for %s within %s", ErrTimeout, v1.TypeRegisterEgk, hs.ackWait)
		}
		return fmt.Errorf("await acknowledgement: %w", err)
	}

	switch typ {
	case v1.TypeReady:
		env, _ := sess.Channel.Retrieve(ctx, v1.TypeReady, 0)
		sess.SetCorrelationID(env.CorrelationID)
	case v1.TypeError:
		env, _ := sess.Channel.Retrieve(ctx, v1.TypeError, 0)
		code, msg := "", ""
		if p, derr := env.DecodePayload(); derr == nil {
			if ep, ok := p.(*v1.ErrorPayload); ok {
				code, msg = ep.ErrorCode, ep.ErrorMessage
			}
		}
		return fmt.Errorf("%w: code=%q message=%q", ErrServiceRejected, code, msg)
	default:
		hs.log.Debug("cardlink.handshake.ack.implicit", "session_id", sess.ID, "payload_type", typ)
	}
	return nil
}
