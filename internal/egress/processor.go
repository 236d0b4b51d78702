// Package egress delivers bus envelopes to the live sessions of a chat.
// Expired envelopes and envelopes with no recipients are dropped as
// successes; a session whose endpoint is gone is reaped on the spot; only
// transient write failures are reported back to the bus for redelivery.
package egress

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/bus"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/session"
	"github.com/erauner12/chatbus/internal/telemetry"
)

// Processor fans envelopes out to websocket sessions.
type Processor struct {
	reg            *session.Registry
	validityWindow time.Duration
}

func NewProcessor(reg *session.Registry, validityWindow time.Duration) *Processor {
	return &Processor{reg: reg, validityWindow: validityWindow}
}

// Handle delivers a batch. The returned failures cover only transient
// faults; everything else is resolved here.
func (p *Processor) Handle(ctx context.Context, batch []*message.Envelope) []bus.Failure {
	now := time.Now().UTC()
	var failures []bus.Failure
	for _, env := range batch {
		if err := p.deliver(ctx, env, now); err != nil {
			failures = append(failures, bus.Failure{MessageID: env.MessageID, Err: err})
		}
	}
	return failures
}

func (p *Processor) deliver(ctx context.Context, env *message.Envelope, now time.Time) error {
	if env.ChatID == "" || env.PublishTime.IsZero() {
		log.Warn().Str("messageId", env.MessageID).Msg("dropping envelope without chatId or publishTime")
		return nil
	}
	if age := env.Age(now); age > p.validityWindow {
		telemetry.Expired.Inc()
		log.Info().
			Str("messageId", env.MessageID).
			Str("chatId", env.ChatID).
			Dur("age", age).
			Msg("dropping expired envelope")
		return nil
	}

	ids := p.reg.LookupByChat(env.ChatID)
	if len(ids) == 0 {
		telemetry.NoRecipients.Inc()
		return nil
	}

	frame := message.NewDelivery(env, now)
	var firstTransient error
	for _, id := range ids {
		sess, ok := p.reg.Get(id)
		if !ok {
			// The session closed between lookup and write.
			continue
		}
		err := sess.Endpoint.WriteFrame(ctx, frame)
		switch {
		case err == nil:
			telemetry.EgressFrames.WithLabelValues("ok").Inc()
			telemetry.DeliveryLatency.Observe(now.Sub(env.PublishTime).Seconds())
		case errs.CodeOf(err) == errs.CodeEndpointGone:
			// A dead endpoint counts as delivered; the session is reaped so
			// the next envelope no longer sees it.
			telemetry.EgressFrames.WithLabelValues("gone").Inc()
			p.reg.Drop(id)
			log.Info().
				Str("sessionId", id).
				Str("chatId", env.ChatID).
				Msg("reaped session with gone endpoint")
		default:
			telemetry.EgressFrames.WithLabelValues("transient").Inc()
			if firstTransient == nil {
				firstTransient = err
			}
			log.Warn().
				Err(err).
				Str("sessionId", id).
				Str("messageId", env.MessageID).
				Msg("transient session write failure")
		}
	}
	if firstTransient != nil {
		return errs.Wrap(errs.CodeEndpointTransient, "one or more session writes failed", firstTransient)
	}
	return nil
}
