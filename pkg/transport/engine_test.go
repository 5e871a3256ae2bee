package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/impulse/internal/telemetry"
	"github.com/ryandielhenn/impulse/pkg/message"
	"github.com/ryandielhenn/impulse/pkg/netif/mem"
)

type recorder[T any] struct {
	mu   sync.Mutex
	msgs []T
	from []string
}

func (r *recorder[T]) handle(msg T, from string, _ uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.from = append(r.from, from)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func startEndpoint(t *testing.T, hub *mem.Hub, addr string) *mem.Endpoint {
	t.Helper()
	ep := hub.Endpoint(addr, 7447)
	if err := ep.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ep.Stop)
	return ep
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngineSizeMatchesMessage(t *testing.T) {
	hub := mem.NewHub()
	e := New[message.Discovery]("size-discovery", hub.Endpoint("a", 1))
	if got := e.Size(); got != message.DiscoverySize {
		t.Fatalf("Size = %d, want %d", got, message.DiscoverySize)
	}
	c := New[message.Communication]("size-comm", hub.Endpoint("b", 1))
	if got := c.Size(); got != message.CommunicationSize {
		t.Fatalf("Size = %d, want %d", got, message.CommunicationSize)
	}
}

func TestHandleIncomingDiscardsWrongSize(t *testing.T) {
	e := New[message.Discovery]("discard-discovery", mem.NewHub().Endpoint("a", 1), WithLogger(zaptest.NewLogger(t)))
	var rec recorder[message.Discovery]
	e.SetMessageHandler(rec.handle)

	e.HandleIncoming(make([]byte, 10), "fd00::2", 7447)
	e.HandleIncoming(make([]byte, message.DiscoverySize+1), "fd00::2", 7447)

	if n := rec.len(); n != 0 {
		t.Fatalf("handler invoked %d times, want 0", n)
	}
	got := testutil.ToFloat64(telemetry.MessagesDiscarded.WithLabelValues("discard-discovery", telemetry.ReasonSize))
	if got != 2 {
		t.Fatalf("discarded{size} = %v, want 2", got)
	}
}

func TestHandleIncomingDispatchesDecoded(t *testing.T) {
	e := New[message.Discovery]("dispatch-discovery", mem.NewHub().Endpoint("a", 1))
	var rec recorder[message.Discovery]
	e.SetMessageHandler(rec.handle)

	in := message.Discovery{Timestamp: 9, JoinTime: 1, CapabilityIndex: 55, Address: "fd00::9"}
	e.HandleIncoming(message.Marshal(&in), "fd00::9", 7447)

	if rec.len() != 1 {
		t.Fatalf("handler invoked %d times, want 1", rec.len())
	}
	if rec.msgs[0] != in || rec.from[0] != "fd00::9" {
		t.Fatalf("got %+v from %q", rec.msgs[0], rec.from[0])
	}
}

func TestSetMessageHandlerReplaces(t *testing.T) {
	e := New[message.Communication]("replace-comm", mem.NewHub().Endpoint("a", 1))
	var first, second recorder[message.Communication]
	e.SetMessageHandler(first.handle)
	e.SetMessageHandler(second.handle)

	e.HandleIncoming(message.Marshal(&message.Communication{}), "b", 1)
	if first.len() != 0 || second.len() != 1 {
		t.Fatalf("first=%d second=%d, want 0 and 1", first.len(), second.len())
	}
}

func TestContinuousBroadcastCadence(t *testing.T) {
	hub := mem.NewHub()
	ep := startEndpoint(t, hub, "fd00::1")
	e := New[message.Discovery]("cadence-discovery", ep, WithLogger(zaptest.NewLogger(t)))

	e.Start()
	e.SetBroadcast(message.Discovery{JoinTime: e.JoinTime(), CapabilityIndex: 75}, 200*time.Millisecond)
	time.Sleep(time.Second)
	e.UnsetBroadcast()
	e.Stop()

	sent := hub.SentFrom("fd00::1")
	if n := len(sent); n < 3 || n > 5 {
		t.Fatalf("sent %d messages in 1s at 200ms, want 3..5", n)
	}
	var prev uint64
	for i, d := range sent {
		var m message.Discovery
		if err := m.Unmarshal(d.Data); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if m.Timestamp <= prev {
			t.Fatalf("timestamp %d = %d, not after %d", i, m.Timestamp, prev)
		}
		if m.JoinTime != e.JoinTime() {
			t.Fatalf("join time changed: %d != %d", m.JoinTime, e.JoinTime())
		}
		prev = m.Timestamp
	}
}

func TestBroadcastNeverBeforeInterval(t *testing.T) {
	hub := mem.NewHub()
	ep := startEndpoint(t, hub, "fd00::2")
	e := New[message.Discovery]("interval-discovery", ep)

	e.Start()
	e.SetBroadcast(message.Discovery{JoinTime: e.JoinTime()}, 150*time.Millisecond)
	time.Sleep(time.Second)
	e.UnsetBroadcast()
	e.Stop()

	sent := hub.SentFrom("fd00::2")
	if n := len(sent); n < 3 || n > 6 {
		t.Fatalf("sent %d messages in 1s at 150ms, want 3..6", n)
	}
	var prev uint64
	for i, d := range sent {
		var m message.Discovery
		if err := m.Unmarshal(d.Data); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if i > 0 && m.Timestamp-prev < 150 {
			t.Fatalf("gap before message %d = %dms, want >= 150ms", i, m.Timestamp-prev)
		}
		prev = m.Timestamp
	}
}

func TestDueWaitsFullInterval(t *testing.T) {
	e := New[message.Position]("due-position", mem.NewHub().Endpoint("a", 1))
	base := time.Unix(1700000000, 0)
	if _, due := e.due(base.Add(time.Second), base); due {
		t.Fatal("due with no broadcast armed")
	}

	e.SetBroadcast(message.Position{}, 150*time.Millisecond)
	for _, tc := range []struct {
		elapsed time.Duration
		want    bool
	}{
		{100 * time.Millisecond, false},
		{149 * time.Millisecond, false},
		{150 * time.Millisecond, true},
		{200 * time.Millisecond, true},
	} {
		if _, due := e.due(base.Add(tc.elapsed), base); due != tc.want {
			t.Fatalf("due after %v = %v, want %v", tc.elapsed, due, tc.want)
		}
	}
}

func TestUnsetBroadcastStopsSending(t *testing.T) {
	hub := mem.NewHub()
	ep := startEndpoint(t, hub, "a")
	e := New[message.Communication]("unset-comm", ep, WithTick(10*time.Millisecond))
	e.Start()
	defer e.Stop()

	e.SetBroadcast(message.Communication{TransportType: message.TransportZenoh}, 20*time.Millisecond)
	waitFor(t, func() bool { return len(hub.SentFrom("a")) >= 2 })
	e.UnsetBroadcast()
	if _, armed := e.Broadcast(); armed {
		t.Fatal("Broadcast still armed after UnsetBroadcast")
	}

	time.Sleep(30 * time.Millisecond)
	settled := len(hub.SentFrom("a"))
	time.Sleep(100 * time.Millisecond)
	if got := len(hub.SentFrom("a")); got != settled {
		t.Fatalf("sent %d after unset, want %d", got, settled)
	}
}

func TestSetBroadcastReplacesPayload(t *testing.T) {
	hub := mem.NewHub()
	ep := startEndpoint(t, hub, "a")
	e := New[message.Communication]("replace-payload-comm", ep, WithTick(10*time.Millisecond))
	e.Start()
	defer e.Stop()

	e.SetBroadcast(message.Communication{TransportType: message.TransportDDS}, 20*time.Millisecond)
	e.SetBroadcast(message.Communication{TransportType: message.TransportMQTT}, 20*time.Millisecond)
	waitFor(t, func() bool { return len(hub.SentFrom("a")) >= 1 })

	var m message.Communication
	if err := m.Unmarshal(hub.SentFrom("a")[0].Data); err != nil {
		t.Fatal(err)
	}
	if m.TransportType != message.TransportMQTT {
		t.Fatalf("TransportType = %s, want mqtt", m.TransportType)
	}
}

func TestSendOnStoppedInterfaceIsSilent(t *testing.T) {
	e := New[message.Position]("stopped-position", mem.NewHub().Endpoint("a", 1), WithLogger(zaptest.NewLogger(t)))
	e.Send(message.Position{})
	if got := testutil.ToFloat64(telemetry.SendErrors.WithLabelValues("stopped-position")); got != 1 {
		t.Fatalf("send errors = %v, want 1", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e := New[message.Position]("idempotent-position", mem.NewHub().Endpoint("a", 1))
	e.Stop()
	e.Start()
	e.Start()
	e.Stop()
	e.Stop()
}

func TestFanoutRoutesBySize(t *testing.T) {
	hub := mem.NewHub()
	tx := startEndpoint(t, hub, "tx")
	rx := hub.Endpoint("rx", 7447)

	disc := New[message.Discovery]("fanout-discovery", rx)
	comm := New[message.Communication]("fanout-comm", rx)
	var dr recorder[message.Discovery]
	var cr recorder[message.Communication]
	disc.SetMessageHandler(dr.handle)
	comm.SetMessageHandler(cr.handle)
	rx.SetHandler(Fanout(disc, comm))
	if err := rx.Start(); err != nil {
		t.Fatal(err)
	}
	defer rx.Stop()

	_ = tx.Multicast(message.Marshal(&message.Communication{TransportType: message.TransportZeroMQ}))
	_ = tx.Multicast(message.Marshal(&message.Discovery{CapabilityIndex: 30}))
	waitFor(t, func() bool { return dr.len() == 1 && cr.len() == 1 })
}
