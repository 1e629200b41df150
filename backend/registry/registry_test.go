package registry

import (
	"sync"
	"testing"

	"github.com/tj/assert"

	"github.com/dmtable/relay/backend/model"
)

type fakePeer struct {
	mu     sync.Mutex
	probes int
}

func (f *fakePeer) Send(model.Message) bool { return true }

func (f *fakePeer) Probe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return true
}

func (f *fakePeer) Terminate() {}

func (f *fakePeer) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func TestBindings(t *testing.T) {
	reg := New()
	p := &fakePeer{}

	// binding before Add is a no-op
	reg.Bind(p, model.Binding{Role: model.RoleHost, Code: "GAME"})
	assert.Equal(t, model.Binding{}, reg.Binding(p))

	reg.Add(p)
	assert.True(t, reg.Alive(p))
	reg.Bind(p, model.Binding{Role: model.RoleHost, Code: "GAME"})
	assert.Equal(t, model.RoleHost, reg.Binding(p).Role)

	reg.Remove(p)
	assert.False(t, reg.Alive(p))
	assert.Equal(t, model.Binding{}, reg.Binding(p))
}

func TestSweepTwoTickDetection(t *testing.T) {
	reg := New()
	acked, silent := &fakePeer{}, &fakePeer{}
	reg.Add(acked)
	reg.Add(silent)

	// first tick: everyone was alive, nobody is dead yet,
	// flags get cleared and probes go out
	dead := reg.Sweep()
	assert.Empty(t, dead)
	assert.Equal(t, 1, acked.probeCount())
	assert.Equal(t, 1, silent.probeCount())
	assert.False(t, reg.Alive(acked))

	reg.MarkAlive(acked)
	assert.True(t, reg.Alive(acked))

	// second tick: only the silent peer is reported dead,
	// and it stays registered until the caller detaches it
	dead = reg.Sweep()
	assert.Len(t, dead, 1)
	assert.Equal(t, model.Peer(silent), dead[0])
	assert.Equal(t, 1, silent.probeCount())
	assert.Equal(t, 2, acked.probeCount())
	assert.Equal(t, 2, reg.Count())

	reg.Remove(silent)
	assert.Equal(t, 1, reg.Count())
}

func TestMarkAliveAfterRemove(t *testing.T) {
	reg := New()
	p := &fakePeer{}
	reg.Add(p)
	reg.Remove(p)

	// a pong racing with teardown must not resurrect the peer
	reg.MarkAlive(p)
	assert.Equal(t, 0, reg.Count())
	assert.False(t, reg.Alive(p))
}
