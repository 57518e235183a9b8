// Package control implements the message-typed duplex control protocol:
// subscribe, unsubscribe, ping, and get_status envelopes from a client, and
// progress pushes back to it. Transport framing is owned by the caller; a
// session only needs a Sink to write to.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docforge/docforge-agent/internal/notify"
	"github.com/docforge/docforge-agent/internal/pipeline"
)

const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypeGetStatus    = "get_status"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeStatus       = "status"
	TypeProgress     = "progress"
	TypeError        = "error"
)

// Envelope is the wire shape of every control message in either direction.
type Envelope struct {
	Type       string    `json:"type"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProgressMessage wraps a snapshot pushed to the client.
type ProgressMessage struct {
	Envelope
	Snapshot pipeline.Snapshot `json:"snapshot"`
}

// ErrorMessage reports a rejected request back to the client.
type ErrorMessage struct {
	Envelope
	Error string `json:"error"`
}

// Sink is one outbound client connection. Send must be safe for concurrent
// use; a returned error marks the connection dead.
type Sink interface {
	Send(msg any) error
}

// Session binds one client connection to the notifier and the pipeline
// service. It implements notify.Observer so subscribed snapshots flow
// straight to the sink.
type Session struct {
	userID   string
	sink     Sink
	notifier *notify.Notifier
	service  *pipeline.Service
	logger   *slog.Logger
}

func NewSession(userID string, sink Sink, notifier *notify.Notifier, service *pipeline.Service, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		userID:   userID,
		sink:     sink,
		notifier: notifier,
		service:  service,
		logger:   logger,
	}
}

// Send implements notify.Observer.
func (s *Session) Send(snap pipeline.Snapshot) error {
	return s.sink.Send(ProgressMessage{
		Envelope: Envelope{Type: TypeProgress, PipelineID: snap.PipelineID, Timestamp: time.Now().UTC()},
		Snapshot: snap,
	})
}

// Handle processes one inbound message. Protocol-level problems (unknown
// type, missing pipeline) are reported to the client, not returned; only a
// dead sink yields an error.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return s.sendError(env, fmt.Sprintf("malformed message: %v", err))
	}

	switch env.Type {
	case TypeSubscribe:
		if env.PipelineID == "" {
			return s.sendError(env, "pipeline_id is required")
		}
		if err := s.notifier.Subscribe(ctx, s.userID, env.PipelineID, s); err != nil {
			if errors.Is(err, pipeline.ErrNotFound) {
				return s.sendError(env, "pipeline not found")
			}
			return s.sendError(env, "subscribe failed")
		}
		return s.reply(TypeSubscribed, env.PipelineID)

	case TypeUnsubscribe:
		if env.PipelineID == "" {
			return s.sendError(env, "pipeline_id is required")
		}
		s.notifier.Unsubscribe(s.userID, env.PipelineID, s)
		return s.reply(TypeUnsubscribed, env.PipelineID)

	case TypePing:
		return s.reply(TypePong, "")

	case TypeGetStatus:
		if env.PipelineID == "" {
			return s.sendError(env, "pipeline_id is required")
		}
		snap, err := s.service.Snapshot(ctx, env.PipelineID)
		if err != nil {
			if errors.Is(err, pipeline.ErrNotFound) {
				return s.sendError(env, "pipeline not found")
			}
			return s.sendError(env, "status unavailable")
		}
		return s.sink.Send(ProgressMessage{
			Envelope: Envelope{Type: TypeStatus, PipelineID: env.PipelineID, Timestamp: time.Now().UTC()},
			Snapshot: snap,
		})

	default:
		return s.sendError(env, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// Close detaches the session from every pipeline it was subscribed to.
func (s *Session) Close() {
	s.notifier.UnsubscribeAll(s)
	s.logger.Debug("control session closed", "user_id", s.userID)
}

func (s *Session) reply(msgType, pipelineID string) error {
	return s.sink.Send(Envelope{Type: msgType, PipelineID: pipelineID, Timestamp: time.Now().UTC()})
}

func (s *Session) sendError(env Envelope, msg string) error {
	return s.sink.Send(ErrorMessage{
		Envelope: Envelope{Type: TypeError, PipelineID: env.PipelineID, Timestamp: time.Now().UTC()},
		Error:    msg,
	})
}
