// Package publish implements the ingress path: validate the request,
// authorize the principal for payload.chatId, stamp and sequence the
// envelope, and hand it to the bus. The in-session path authorizes against
// the chat set fixed at handshake; the stateless path re-reads the
// permission store on every call.
package publish

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/bus"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
	"github.com/erauner12/chatbus/internal/perm"
)

// PermissionReader is the point lookup the stateless path re-authorizes
// with on every call. Satisfied by *perm.Store.
type PermissionReader interface {
	Get(ctx context.Context, principalID, chatID string) (*perm.Record, error)
}

// Sequencer allocates per-chat sequence numbers. Satisfied by
// *sequence.Counter.
type Sequencer interface {
	Next(ctx context.Context, chatID string) (uint64, error)
}

// Result describes an accepted publish.
type Result struct {
	MessageID     string
	PublishTime   time.Time
	MessageType   message.Type
	TargetChannel string
	GroupID       string
}

// Publisher builds envelopes and hands them to the topic pair.
type Publisher struct {
	perms    PermissionReader
	seq      Sequencer
	fifo     *bus.Topic
	standard *bus.Topic
}

func New(perms PermissionReader, seq Sequencer, fifo, standard *bus.Topic) *Publisher {
	return &Publisher{perms: perms, seq: seq, fifo: fifo, standard: standard}
}

// PublishFromSession accepts an in-session publish. hasChat is the chat set
// the session was authorized for at handshake; permission changes made
// since do not affect it.
func (p *Publisher) PublishFromSession(ctx context.Context, principalID string, hasChat func(string) bool, req message.PublishRequest) (*Result, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	chatID, _ := req.ChatID()
	if !hasChat(chatID) {
		return nil, errs.New(errs.CodeNoPermission, "session is not attached to this chat")
	}
	return p.publish(ctx, principalID, chatID, req)
}

// PublishFromAPI accepts a stateless publish and re-checks the permission
// store for the payload's chat.
func (p *Publisher) PublishFromAPI(ctx context.Context, principalID string, req message.PublishRequest) (*Result, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	chatID, _ := req.ChatID()
	rec, err := p.perms.Get(ctx, principalID, chatID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.New(errs.CodeNoPermission, "no permission for this chat")
	}
	return p.publish(ctx, principalID, chatID, req)
}

func (p *Publisher) publish(ctx context.Context, principalID, chatID string, req message.PublishRequest) (*Result, error) {
	// Millisecond precision so the stamp survives the history cursor round trip.
	now := time.Now().UTC().Truncate(time.Millisecond)
	env := &message.Envelope{
		ChatID:        chatID,
		PrincipalID:   principalID,
		TargetChannel: req.TargetChannel,
		MessageType:   req.MessageType,
		PublishTime:   now,
		Payload:       req.Payload,
	}

	topic := p.standard
	if req.MessageType == message.TypeFIFO {
		topic = p.fifo
		env.GroupID = req.MessageGroupID
		if env.GroupID == "" {
			env.GroupID = chatID
		}
		if req.GenerateSequence {
			seq, err := p.seq.Next(ctx, chatID)
			if err != nil {
				return nil, err
			}
			env.SequenceNumber = &seq
		}
		// Content-derived id: the same payload published again within the
		// dedup window collapses on the bus.
		env.MessageID = env.ContentHash()
	} else {
		env.MessageID = message.NewStandardID()
	}

	if err := topic.Publish(ctx, env); err != nil {
		return nil, err
	}

	log.Info().
		Str("messageId", env.MessageID).
		Str("chatId", chatID).
		Str("principalId", principalID).
		Str("messageType", string(env.MessageType)).
		Msg("message published")

	return &Result{
		MessageID:     env.MessageID,
		PublishTime:   env.PublishTime,
		MessageType:   env.MessageType,
		TargetChannel: env.TargetChannel,
		GroupID:       env.GroupID,
	}, nil
}
