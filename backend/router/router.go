package router

import (
	"encoding/json"
	"errors"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/dmtable/relay/backend/metrics"
	"github.com/dmtable/relay/backend/model"
	"github.com/dmtable/relay/backend/registry"
	"github.com/dmtable/relay/backend/sessions"
)

// Router decodes inbound frames and dispatches them against the
// sender's current role binding. Unknown message types and
// malformed frames are dropped without a reply.
type Router struct {
	logger  zerolog.Logger
	table   *sessions.Table
	reg     *registry.Registry
	metrics *metrics.Metrics
}

func New(table *sessions.Table, reg *registry.Registry, m *metrics.Metrics, logger *zerolog.Logger) *Router {
	return &Router{
		logger:  logger.With().Str("component", "router").Logger(),
		table:   table,
		reg:     reg,
		metrics: m,
	}
}

// HandleFrame processes one raw inbound frame from p.
func (rt *Router) HandleFrame(p model.Peer, raw []byte) {
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		rt.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	if rt.logger.GetLevel() <= zerolog.TraceLevel {
		rt.logger.Trace().Str("frame", spew.Sdump(msg)).Msg("inbound frame")
	}

	switch msg.Type {
	case model.TypeCreateSession:
		rt.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
		rt.createSession(p, msg)
	case model.TypeJoinSession:
		rt.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
		rt.joinSession(p, msg)
	case model.TypeRelay:
		rt.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
		rt.relay(p, msg)
	case model.TypeCloseSession:
		rt.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()
		rt.closeSession(p)
	default:
		// unrecognized types are ignored so older relays keep
		// working against newer front ends
		rt.metrics.MessagesTotal.WithLabelValues("unknown").Inc()
	}
}

func (rt *Router) createSession(p model.Peer, msg model.Message) {
	if rt.reg.Binding(p).Role != model.RoleNone {
		rt.sendError(p, "already part of a session")
		return
	}
	norm, err := rt.table.Create(msg.Code, p)
	switch {
	case errors.Is(err, sessions.ErrInvalidCode):
		rt.sendError(p, "invalid session code")
		return
	case errors.Is(err, sessions.ErrSessionExists):
		rt.sendError(p, "session code already in use")
		return
	case err != nil:
		rt.sendError(p, "unable to create session")
		return
	}
	p.Send(model.Message{Type: model.TypeSessionCreated, Code: norm})
}

func (rt *Router) joinSession(p model.Peer, msg model.Message) {
	playerID, norm, err := rt.table.Join(msg.Code, p)
	if err != nil {
		rt.sendError(p, "session not found")
		return
	}
	p.Send(model.Message{Type: model.TypeSessionJoined, Code: norm, PlayerID: playerID})
	if host, ok := rt.table.Host(norm); ok {
		host.Send(model.Message{Type: model.TypePlayerJoined, PlayerID: playerID})
	}
}

func (rt *Router) relay(p model.Peer, msg model.Message) {
	b := rt.reg.Binding(p)
	switch b.Role {
	case model.RoleHost:
		rt.relayFromHost(b, msg)
	case model.RoleParticipant:
		rt.relayFromParticipant(p, b, msg)
	default:
		rt.logger.Debug().Msg("dropping relay from unbound connection")
	}
}

func (rt *Router) relayFromHost(b model.Binding, msg model.Message) {
	if !msg.HasObjectPayload() {
		rt.logger.Trace().Str("code", b.Code).Msg("dropping relay without object payload")
		return
	}
	out := model.Message{Type: model.TypeRelay, Payload: msg.Payload}
	if msg.PlayerID != "" {
		// targeted delivery; a missing id means the participant
		// already disconnected and the frame is dropped
		if target, ok := rt.table.Participant(b.Code, msg.PlayerID); ok {
			target.Send(out)
		}
		return
	}
	for _, target := range rt.table.Participants(b.Code) {
		target.Send(out)
	}
}

func (rt *Router) relayFromParticipant(p model.Peer, b model.Binding, msg model.Message) {
	if !msg.HasObjectPayload() {
		rt.logger.Trace().Str("code", b.Code).Msg("dropping relay without object payload")
		return
	}
	host, ok := rt.table.Host(b.Code)
	if !ok {
		rt.sendError(p, "session unavailable")
		rt.table.RemoveParticipant(b.Code, b.PlayerID, p)
		return
	}
	host.Send(model.Message{Type: model.TypeRelay, Payload: msg.Payload, PlayerID: b.PlayerID})
}

func (rt *Router) closeSession(p model.Peer) {
	b := rt.reg.Binding(p)
	if b.Role != model.RoleHost {
		return
	}
	rt.table.Close(b.Code, p)
}

func (rt *Router) sendError(p model.Peer, text string) {
	rt.metrics.SessionErrors.Inc()
	p.Send(model.Message{Type: model.TypeSessionError, Message: text})
}
