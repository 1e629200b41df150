package registry

import (
	"sync"

	"github.com/dmtable/relay/backend/model"
)

type state struct {
	alive   bool
	binding model.Binding
}

// Registry tracks every open connection: a liveness flag that the
// transport sets on each keep-alive acknowledgment, and the
// connection's current session-role binding. It is the side table
// the liveness sweep and the session table both read.
type Registry struct {
	mx    *sync.Mutex
	peers map[model.Peer]*state
}

func New() *Registry {
	return &Registry{
		mx:    &sync.Mutex{},
		peers: make(map[model.Peer]*state),
	}
}

// Add registers a freshly opened connection as alive and unbound.
func (r *Registry) Add(p model.Peer) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.peers[p] = &state{alive: true}
}

func (r *Registry) Remove(p model.Peer) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.peers, p)
}

// MarkAlive records a keep-alive acknowledgment. Unknown peers are
// ignored; an ack can race with teardown.
func (r *Registry) MarkAlive(p model.Peer) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if st, ok := r.peers[p]; ok {
		st.alive = true
	}
}

func (r *Registry) Alive(p model.Peer) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	st, ok := r.peers[p]
	return ok && st.alive
}

// Bind replaces the peer's role binding. Binding an unknown peer is
// a no-op: it already disconnected.
func (r *Registry) Bind(p model.Peer, b model.Binding) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if st, ok := r.peers[p]; ok {
		st.binding = b
	}
}

func (r *Registry) Binding(p model.Peer) model.Binding {
	r.mx.Lock()
	defer r.mx.Unlock()
	if st, ok := r.peers[p]; ok {
		return st.binding
	}
	return model.Binding{}
}

func (r *Registry) Count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.peers)
}

// Sweep implements one liveness tick. Peers that never acknowledged
// since the previous tick are returned for teardown; the caller
// removes them via the regular disconnect path, which still needs
// their bindings. Every survivor has its flag cleared and its
// transport probed, so only an acknowledgment before the next tick
// keeps it alive.
func (r *Registry) Sweep() []model.Peer {
	r.mx.Lock()
	var dead, survivors []model.Peer
	for p, st := range r.peers {
		if !st.alive {
			dead = append(dead, p)
			continue
		}
		st.alive = false
		survivors = append(survivors, p)
	}
	r.mx.Unlock()

	for _, p := range survivors {
		p.Probe()
	}
	return dead
}
