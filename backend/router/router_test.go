package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tj/assert"

	"github.com/dmtable/relay/backend/metrics"
	"github.com/dmtable/relay/backend/model"
	"github.com/dmtable/relay/backend/registry"
	"github.com/dmtable/relay/backend/sessions"
)

type fakePeer struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (f *fakePeer) Send(msg model.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakePeer) Probe() bool { return true }
func (f *fakePeer) Terminate() {}

func (f *fakePeer) messages() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakePeer) messagesOfType(typ string) []model.Message {
	var out []model.Message
	for _, m := range f.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakePeer) last(t *testing.T) model.Message {
	t.Helper()
	msgs := f.messages()
	assert.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type rig struct {
	reg   *registry.Registry
	table *sessions.Table
	rt    *Router
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New()
	table := sessions.NewTable(reg, &logger)
	m := metrics.New(prometheus.NewRegistry(), reg.Count, table.Count)
	return &rig{
		reg:   reg,
		table: table,
		rt:    New(table, reg, m, &logger),
	}
}

func (r *rig) connect() *fakePeer {
	p := &fakePeer{}
	r.reg.Add(p)
	return p
}

func (r *rig) frame(t *testing.T, p *fakePeer, format string, args ...interface{}) {
	t.Helper()
	r.rt.HandleFrame(p, []byte(fmt.Sprintf(format, args...)))
}

func TestCreateSession(t *testing.T) {
	r := newRig(t)
	host := r.connect()

	r.frame(t, host, `{"type":"create-session","code":" abc123 "}`)
	created := host.last(t)
	assert.Equal(t, model.TypeSessionCreated, created.Type)
	assert.Equal(t, "ABC123", created.Code)

	// hosts cannot create a second session from the same connection
	r.frame(t, host, `{"type":"create-session","code":"OTHER"}`)
	assert.Equal(t, model.TypeSessionError, host.last(t).Type)

	other := r.connect()
	r.frame(t, other, `{"type":"create-session","code":"abc123"}`)
	assert.Equal(t, model.TypeSessionError, other.last(t).Type)

	r.frame(t, other, `{"type":"create-session","code":"   "}`)
	assert.Equal(t, model.TypeSessionError, other.last(t).Type)
}

func TestJoinUnknownSession(t *testing.T) {
	r := newRig(t)
	p := r.connect()

	r.frame(t, p, `{"type":"join-session","code":"NOPE"}`)
	errMsg := p.last(t)
	assert.Equal(t, model.TypeSessionError, errMsg.Type)
	assert.NotEmpty(t, errMsg.Message)
}

func TestUnknownAndMalformedFramesIgnored(t *testing.T) {
	r := newRig(t)
	p := r.connect()

	r.rt.HandleFrame(p, []byte(`not json at all`))
	r.rt.HandleFrame(p, []byte(`[1,2,3]`))
	r.rt.HandleFrame(p, []byte(`{"type":"ping-v2"}`))
	r.rt.HandleFrame(p, []byte(`{"code":"ABC123"}`))
	assert.Empty(t, p.messages())
}

func TestRelayWithoutObjectPayloadDropped(t *testing.T) {
	r := newRig(t)
	host := r.connect()
	r.frame(t, host, `{"type":"create-session","code":"GAME"}`)
	p1 := r.connect()
	r.frame(t, p1, `{"type":"join-session","code":"GAME"}`)

	r.frame(t, host, `{"type":"relay","payload":[1,2]}`)
	r.frame(t, host, `{"type":"relay","payload":"hi"}`)
	r.frame(t, host, `{"type":"relay"}`)
	r.frame(t, p1, `{"type":"relay","payload":42}`)

	assert.Empty(t, p1.messagesOfType(model.TypeRelay))
	assert.Empty(t, host.messagesOfType(model.TypeRelay))
	// and no error notices either, dropped means dropped
	assert.Empty(t, host.messagesOfType(model.TypeSessionError))
	assert.Empty(t, p1.messagesOfType(model.TypeSessionError))
}

func TestParticipantRelayTaggedWithSender(t *testing.T) {
	r := newRig(t)
	host := r.connect()
	r.frame(t, host, `{"type":"create-session","code":"GAME"}`)
	p1 := r.connect()
	r.frame(t, p1, `{"type":"join-session","code":"GAME"}`)
	id1 := p1.last(t).PlayerID

	r.frame(t, p1, `{"type":"relay","payload":{"roll":17}}`)
	got := host.messagesOfType(model.TypeRelay)
	assert.Len(t, got, 1)
	assert.Equal(t, id1, got[0].PlayerID)
	assert.JSONEq(t, `{"roll":17}`, string(got[0].Payload))
}

func TestParticipantRelayDeadHost(t *testing.T) {
	r := newRig(t)
	host := r.connect()
	r.frame(t, host, `{"type":"create-session","code":"GAME"}`)
	p1 := r.connect()
	r.frame(t, p1, `{"type":"join-session","code":"GAME"}`)
	id1 := p1.last(t).PlayerID

	// host misses a probe cycle
	r.reg.Sweep()
	r.reg.MarkAlive(p1)

	r.frame(t, p1, `{"type":"relay","payload":{"roll":3}}`)
	assert.Equal(t, model.TypeSessionError, p1.last(t).Type)
	assert.Empty(t, host.messagesOfType(model.TypeRelay))

	// the sender was torn down along with the error
	_, ok := r.table.Participant("GAME", id1)
	assert.False(t, ok)
	assert.Equal(t, model.RoleNone, r.reg.Binding(p1).Role)
}

func TestCloseSessionIgnoredFromNonHost(t *testing.T) {
	r := newRig(t)
	host := r.connect()
	r.frame(t, host, `{"type":"create-session","code":"GAME"}`)
	p1 := r.connect()
	r.frame(t, p1, `{"type":"join-session","code":"GAME"}`)

	r.frame(t, p1, `{"type":"close-session"}`)
	assert.Equal(t, 1, r.table.Count())

	unbound := r.connect()
	r.frame(t, unbound, `{"type":"close-session"}`)
	assert.Equal(t, 1, r.table.Count())
}

// Full walkthrough: one table, two players, targeted and broadcast
// relays, then a host-side close.
func TestHostedSessionLifecycle(t *testing.T) {
	r := newRig(t)
	host := r.connect()
	r.frame(t, host, `{"type":"create-session","code":"ABC123"}`)
	assert.Equal(t, model.TypeSessionCreated, host.last(t).Type)

	p1, p2 := r.connect(), r.connect()
	r.frame(t, p1, `{"type":"join-session","code":"ABC123"}`)
	joined1 := p1.last(t)
	assert.Equal(t, model.TypeSessionJoined, joined1.Type)
	assert.Equal(t, "ABC123", joined1.Code)
	id1 := joined1.PlayerID

	r.frame(t, p2, `{"type":"join-session","code":"ABC123"}`)
	id2 := p2.last(t).PlayerID
	assert.NotEqual(t, id1, id2)

	hostJoins := host.messagesOfType(model.TypePlayerJoined)
	assert.Len(t, hostJoins, 2)

	// targeted relay reaches p1 only
	r.frame(t, host, `{"type":"relay","playerId":%q,"payload":{"initiative":12}}`, id1)
	p1Relays := p1.messagesOfType(model.TypeRelay)
	assert.Len(t, p1Relays, 1)
	assert.JSONEq(t, `{"initiative":12}`, string(p1Relays[0].Payload))
	assert.Empty(t, p2.messagesOfType(model.TypeRelay))

	// targeted relay to a vanished participant is dropped
	r.frame(t, host, `{"type":"relay","playerId":"missing","payload":{"initiative":1}}`)
	assert.Empty(t, host.messagesOfType(model.TypeSessionError))

	// broadcast reaches both
	r.frame(t, host, `{"type":"relay","payload":{"initiative":9}}`)
	assert.Len(t, p1.messagesOfType(model.TypeRelay), 2)
	p2Relays := p2.messagesOfType(model.TypeRelay)
	assert.Len(t, p2Relays, 1)
	assert.JSONEq(t, `{"initiative":9}`, string(p2Relays[0].Payload))

	r.frame(t, host, `{"type":"close-session"}`)
	assert.Len(t, p1.messagesOfType(model.TypeSessionClosed), 1)
	assert.Len(t, p2.messagesOfType(model.TypeSessionClosed), 1)
	assert.Equal(t, 0, r.table.Count())

	p3 := r.connect()
	r.frame(t, p3, `{"type":"join-session","code":"abc123"}`)
	assert.Equal(t, model.TypeSessionError, p3.last(t).Type)
}

func TestJoinedConfirmationShape(t *testing.T) {
	r := newRig(t)
	host := r.connect()
	r.frame(t, host, `{"type":"create-session","code":"GAME"}`)
	p1 := r.connect()
	r.frame(t, p1, `{"type":"join-session","code":"game"}`)

	var joined model.Message
	b, err := json.Marshal(p1.last(t))
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(b, &joined))
	assert.Equal(t, model.TypeSessionJoined, joined.Type)
	assert.Equal(t, "GAME", joined.Code)
	assert.NotEmpty(t, joined.PlayerID)

	hostSeen := host.messagesOfType(model.TypePlayerJoined)
	assert.Len(t, hostSeen, 1)
	assert.Equal(t, joined.PlayerID, hostSeen[0].PlayerID)
}
