package sessions

import (
	"errors"
	"strings"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/dmtable/relay/backend/model"
	"github.com/dmtable/relay/backend/registry"
)

var (
	ErrInvalidCode        = errors.New("session code is empty")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session is not found")
	ErrSessionUnavailable = errors.New("session host is gone")
)

type session struct {
	code         string
	host         model.Peer
	participants map[string]model.Peer
}

// Table maps normalized session codes to one host and its
// participants. All mutations go through one mutex; notification
// sends happen under it but are non-blocking best-effort, so
// tearing down one connection never waits on another.
type Table struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	reg      *registry.Registry
	sessions map[string]*session
}

func NewTable(reg *registry.Registry, logger *zerolog.Logger) *Table {
	return &Table{
		logger:   logger.With().Str("component", "sessions").Logger(),
		mx:       &sync.Mutex{},
		reg:      reg,
		sessions: make(map[string]*session),
	}
}

// Normalize trims and uppercases a session code. Codes compare
// case-insensitively and are echoed back in this form.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Create registers a new session with hostConn as its host.
func (t *Table) Create(code string, hostConn model.Peer) (string, error) {
	norm := Normalize(code)
	if norm == "" {
		return "", ErrInvalidCode
	}

	t.mx.Lock()
	defer t.mx.Unlock()

	if _, ok := t.sessions[norm]; ok {
		return "", ErrSessionExists
	}
	t.sessions[norm] = &session{
		code:         norm,
		host:         hostConn,
		participants: make(map[string]model.Peer),
	}
	t.reg.Bind(hostConn, model.Binding{Role: model.RoleHost, Code: norm})
	t.logger.Debug().Str("code", norm).Msg("session created")
	return norm, nil
}

// Join adds a connection as a participant and returns its generated
// id. A session whose host already went dead is torn down on the
// spot and reported as not found. Any prior binding the connection
// held is detached silently first.
func (t *Table) Join(code string, p model.Peer) (string, string, error) {
	norm := Normalize(code)

	t.mx.Lock()
	defer t.mx.Unlock()

	s, ok := t.sessions[norm]
	if !ok {
		return "", "", ErrSessionNotFound
	}
	if !t.reg.Alive(s.host) {
		// stale entry, reclaim it through the regular close path
		t.destroyLocked(s, true)
		return "", "", ErrSessionNotFound
	}

	t.detachSilentLocked(p)

	playerID := uuid.Must(uuid.NewV4()).String()
	s.participants[playerID] = p
	t.reg.Bind(p, model.Binding{Role: model.RoleParticipant, Code: norm, PlayerID: playerID})
	t.logger.Debug().
		Str("code", norm).
		Str("playerID", playerID).
		Msg("participant joined")
	return playerID, norm, nil
}

// Close tears down a session. It is a no-op unless requester is the
// session's current host; participants are notified and unbound.
func (t *Table) Close(code string, requester model.Peer) {
	t.mx.Lock()
	defer t.mx.Unlock()

	s, ok := t.sessions[Normalize(code)]
	if !ok || s.host != requester {
		return
	}
	t.destroyLocked(s, true)
}

// RemoveParticipant drops one participant mapping. The stored
// connection must be exactly conn, otherwise the entry belongs to a
// rebound peer and the call is a stale no-op.
func (t *Table) RemoveParticipant(code, playerID string, conn model.Peer) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.removeParticipantLocked(Normalize(code), playerID, conn)
}

// Host returns the host connection of a session, when the session
// exists and its host is still live.
func (t *Table) Host(code string) (model.Peer, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	s, ok := t.sessions[Normalize(code)]
	if !ok || !t.reg.Alive(s.host) {
		return nil, false
	}
	return s.host, true
}

// Participant looks up one participant of a session by id.
func (t *Table) Participant(code, playerID string) (model.Peer, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	s, ok := t.sessions[Normalize(code)]
	if !ok {
		return nil, false
	}
	p, ok := s.participants[playerID]
	return p, ok
}

// Participants returns a snapshot of a session's participant
// connections, never the live map.
func (t *Table) Participants(code string) []model.Peer {
	t.mx.Lock()
	defer t.mx.Unlock()

	s, ok := t.sessions[Normalize(code)]
	if !ok {
		return nil
	}
	peers := make([]model.Peer, 0, len(s.participants))
	for _, p := range s.participants {
		peers = append(peers, p)
	}
	return peers
}

func (t *Table) Count() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.sessions)
}

// Detach is the single teardown path for a disappearing connection,
// shared by explicit disconnects and the liveness sweep. It routes
// by current role, clears the binding and drops the peer from the
// registry.
func (t *Table) Detach(p model.Peer) {
	t.mx.Lock()
	defer t.mx.Unlock()

	b := t.reg.Binding(p)
	switch b.Role {
	case model.RoleHost:
		if s, ok := t.sessions[b.Code]; ok && s.host == p {
			t.destroyLocked(s, true)
		}
	case model.RoleParticipant:
		t.removeParticipantLocked(b.Code, b.PlayerID, p)
	}
	t.reg.Remove(p)
}

func (t *Table) removeParticipantLocked(code, playerID string, conn model.Peer) {
	s, ok := t.sessions[code]
	if !ok {
		return
	}
	stored, ok := s.participants[playerID]
	if !ok || stored != conn {
		return
	}
	delete(s.participants, playerID)
	t.reg.Bind(conn, model.Binding{})
	if t.reg.Alive(s.host) {
		s.host.Send(model.Message{Type: model.TypePlayerLeft, PlayerID: playerID})
	}
	t.logger.Debug().
		Str("code", code).
		Str("playerID", playerID).
		Msg("participant removed")
}

// destroyLocked removes a session; with notify, every participant
// gets a session-closed. Sends are best-effort and never re-enter
// teardown.
func (t *Table) destroyLocked(s *session, notify bool) {
	delete(t.sessions, s.code)
	t.reg.Bind(s.host, model.Binding{})
	for _, p := range s.participants {
		if notify {
			p.Send(model.Message{Type: model.TypeSessionClosed, Message: "session closed"})
		}
		t.reg.Bind(p, model.Binding{})
	}
	t.logger.Debug().Str("code", s.code).Msg("session destroyed")
}

// detachSilentLocked clears a connection's current membership
// without announcing anything to third parties. Used by rebinds:
// joining while already bound replaces the old binding.
func (t *Table) detachSilentLocked(p model.Peer) {
	b := t.reg.Binding(p)
	switch b.Role {
	case model.RoleHost:
		if s, ok := t.sessions[b.Code]; ok && s.host == p {
			t.destroyLocked(s, false)
		}
	case model.RoleParticipant:
		if s, ok := t.sessions[b.Code]; ok {
			if stored, ok := s.participants[b.PlayerID]; ok && stored == p {
				delete(s.participants, b.PlayerID)
			}
		}
	}
	t.reg.Bind(p, model.Binding{})
}
