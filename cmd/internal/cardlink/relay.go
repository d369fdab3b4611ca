package cardlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardlink/cmd/internal/metrics"
	v1 "cardlink/shared/contracts/cardlink/v1"
)

// relay forwards SendApdu commands to the card until the transport closes or a
// RegisterEgkFinish envelope is queued. Missing, malformed and foreign envelopes
// are logged and skipped; a transmit or send failure aborts the session.
func (c *Controller) relay(ctx context.Context, sess *Session, log *slog.Logger) error {
	ch := sess.Channel

	for ch.IsOpen() && !ch.FinishAvailable() {
		// Waiting on both types lets a finish that arrives mid-wait end this iteration.
		typ, err := ch.Await(ctx, c.cfg.APDUWait, v1.TypeSendApdu, v1.TypeRegisterEgkFinish)
		switch {
		case errors.Is(err, ErrTimeout):
			log.Warn("cardlink.relay.stall", "waited", c.cfg.APDUWait.String())
			continue
		case errors.Is(err, ErrTransportClosed):
			log.Info("cardlink.relay.transport_closed")
			return nil
		case err != nil:
			return err
		case typ == v1.TypeRegisterEgkFinish:
			continue
		}

		env, ok := ch.Retrieve(ctx, v1.TypeSendApdu, 0)
		if !ok {
			continue
		}

		if err := c.relayOne(ctx, sess, env, log); err != nil {
			if errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrUnexpectedMessageType) {
				continue
			}
			return err
		}
	}

	if !ch.IsOpen() {
		log.Info("cardlink.relay.transport_closed")
	}
	return nil
}

// relayOne handles a single SendApdu envelope: exactly one transmit and one response.
func (c *Controller) relayOne(ctx context.Context, sess *Session, env v1.Envelope, log *slog.Logger) error {
	if err := env.RequireIDs(); err != nil {
		log.Warn("cardlink.relay.malformed", "err", err)
		metrics.RecordDropped(metrics.DropMissingIDs)
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	sa, err := env.SendApdu()
	if err != nil {
		log.Error("cardlink.relay.unexpected_payload", "payload_type", env.PayloadType, "correlation_id", env.CorrelationID, "err", err)
		metrics.RecordDropped(metrics.DropUnexpectedPay)
		return fmt.Errorf("%w: %w", ErrUnexpectedMessageType, err)
	}

	sess.SetCorrelationID(env.CorrelationID)

	start := time.Now()
	resp, err := c.dispatcher.Transmit(ctx, sess.CardHandle(), sa.APDU)
	if err != nil {
		log.Error("cardlink.relay.transmit.fail", "correlation_id", env.CorrelationID, "err", err)
		return fmt.Errorf("%w: %w", ErrTransmit, err)
	}
	metrics.RecordTransmit(time.Since(start))
	sess.countAPDU()

	out, err := v1.NewEnvelope(&v1.SendApduResponse{
		CardSessionID: env.CardSessionID,
		APDU:          resp,
	}, env.CardSessionID, env.CorrelationID)
	if err != nil {
		return err
	}
	if err := sess.sendEnvelope(ctx, out); err != nil {
		log.Error("cardlink.relay.send.fail", "correlation_id", env.CorrelationID, "err", err)
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		return fmt.Errorf("%w: send %s: %w", ErrTransportClosed, v1.TypeSendApduResponse, err)
	}

	log.Debug("cardlink.relay.apdu",
		"correlation_id", env.CorrelationID,
		"command_len", len(sa.APDU),
		"response_len", len(resp),
	)
	return nil
}
