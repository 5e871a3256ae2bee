// Package agent runs Discovery, Communication and Position gossip for one
// participant over a primary network capability, optionally mirroring
// positions onto a secondary (radio) capability.
package agent

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/internal/telemetry"
	"github.com/ryandielhenn/impulse/pkg/message"
	"github.com/ryandielhenn/impulse/pkg/netif"
	"github.com/ryandielhenn/impulse/pkg/peers"
	"github.com/ryandielhenn/impulse/pkg/policy"
	"github.com/ryandielhenn/impulse/pkg/transport"
)

const DefaultCapability = 75

type (
	discoveryEngine     = transport.Engine[message.Discovery, *message.Discovery]
	communicationEngine = transport.Engine[message.Communication, *message.Communication]
	positionEngine      = transport.Engine[message.Position, *message.Position]
)

type options struct {
	logger        *zap.Logger
	secondary     netif.Interface
	capability    int32
	orchestrator  bool
	zeroRef       message.Datum
	medium        message.Medium
	protocol      message.Protocol
	communication message.Communication
	interval      time.Duration
	now           func() time.Time
	engineOpts    []transport.Option
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSecondary attaches a second capability (normally the radio) that
// carries Position records only.
func WithSecondary(iface netif.Interface) Option {
	return func(o *options) { o.secondary = iface }
}

func WithCapability(c int32) Option {
	return func(o *options) { o.capability = c }
}

func WithOrchestrator(v bool) Option {
	return func(o *options) { o.orchestrator = v }
}

func WithZeroRef(d message.Datum) Option {
	return func(o *options) { o.zeroRef = d }
}

func WithMedium(m message.Medium) Option {
	return func(o *options) { o.medium = m }
}

func WithProtocol(p message.Protocol) Option {
	return func(o *options) { o.protocol = p }
}

// WithCommunication sets the Communication record the agent advertises.
func WithCommunication(c message.Communication) Option {
	return func(o *options) { o.communication = c }
}

// WithInterval sets the continuous broadcast interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEngineOptions passes extra options to every transport engine.
func WithEngineOptions(opts ...transport.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// Agent is one participant. Its peer tables are keyed by the address each
// peer reports (Discovery) or sends from (Communication, Position).
type Agent struct {
	name      string
	self      string
	logger    *zap.Logger
	now       func() time.Time
	interval  time.Duration
	primary   netif.Interface
	secondary netif.Interface

	capability atomic.Int32
	template   message.Discovery
	comm       message.Communication

	discovery     *discoveryEngine
	communication *communicationEngine
	position      *positionEngine
	radioPosition *positionEngine

	discoveries    *peers.Table[message.Discovery]
	communications *peers.Table[message.Communication]
	positions      *peers.Table[message.Position]

	// source address -> reported address, for peers whose datagrams leave
	// from an address other than the one they advertise
	aliasMu sync.Mutex
	aliases map[string]string

	mu      sync.Mutex
	running bool
	radioOn bool
}

// New builds an agent on primary and bootstraps its self entry with
// join_time = timestamp = now. Nothing touches the network until Start.
func New(name string, primary netif.Interface, opts ...Option) *Agent {
	o := options{
		capability: DefaultCapability,
		zeroRef:    message.DefaultZeroRef,
		protocol:   message.ProtocolNone,
		interval:   transport.DefaultInterval,
		now:        time.Now,
		communication: message.Communication{
			TransportType:     message.TransportDDS,
			SerializationType: message.SerializationROS,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger).Named("agent").With(zap.String("agent", name))
	engineOpts := append([]transport.Option{transport.WithLogger(logger), transport.WithClock(o.now)}, o.engineOpts...)

	a := &Agent{
		name:      name,
		self:      primary.Address(),
		logger:    logger,
		now:       o.now,
		interval:  o.interval,
		primary:   primary,
		secondary: o.secondary,
		comm:      o.communication,

		discovery:     transport.New[message.Discovery](name+"/discovery", primary, engineOpts...),
		communication: transport.New[message.Communication](name+"/communication", primary, engineOpts...),
		position:      transport.New[message.Position](name+"/position", primary, engineOpts...),

		discoveries:    peers.New[message.Discovery](name + "/discovery"),
		communications: peers.New[message.Communication](name + "/communication"),
		positions:      peers.New[message.Position](name + "/position"),

		aliases: make(map[string]string),
	}
	if o.secondary != nil {
		a.radioPosition = transport.New[message.Position](name+"/radio-position", o.secondary, engineOpts...)
	}
	a.capability.Store(o.capability)
	a.template = message.Discovery{
		ZeroRef:         o.zeroRef,
		Orchestrator:    o.orchestrator,
		CapabilityIndex: o.capability,
		Medium:          o.medium,
		Protocol:        o.protocol,
		Address:         a.self,
	}
	a.bootstrap()

	a.discovery.SetMessageHandler(a.onDiscovery)
	a.communication.SetMessageHandler(a.onCommunication)
	a.position.SetMessageHandler(a.onPosition)
	if a.radioPosition != nil {
		a.radioPosition.SetMessageHandler(a.onPosition)
	}
	return a
}

func (a *Agent) bootstrap() {
	self := a.template
	self.JoinTime = a.discovery.JoinTime()
	self.Timestamp = self.JoinTime
	a.discoveries.Upsert(a.self, self)

	comm := a.comm
	comm.Timestamp = self.JoinTime
	a.communications.Upsert(a.self, comm)
}

func (a *Agent) Name() string { return a.name }

// ID is the agent's own peer key, the primary capability's address.
func (a *Agent) ID() string { return a.self }

func (a *Agent) Capability() int32 { return a.capability.Load() }

// Start brings up the primary capability, then the secondary. A secondary
// that fails to start is disabled and the agent carries on with the
// primary alone; a primary failure is returned.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	a.primary.SetHandler(transport.Fanout(a.discovery, a.communication, a.position))
	if err := a.primary.Start(); err != nil {
		a.primary.SetHandler(nil)
		return fmt.Errorf("agent %s: start %s: %w", a.name, a.primary.Name(), err)
	}

	if a.secondary != nil {
		a.secondary.SetHandler(transport.Fanout(a.radioPosition))
		if err := a.secondary.Start(); err != nil {
			a.secondary.SetHandler(nil)
			a.logger.Warn("secondary interface disabled", zap.String("iface", a.secondary.Name()), zap.Error(err))
		} else {
			a.radioOn = true
			a.radioPosition.Start()
		}
	}

	a.discovery.Start()
	a.communication.Start()
	a.position.Start()
	a.running = true

	a.refreshSelf(nil)
	comm, _ := a.communications.Get(a.self)
	a.communication.SetBroadcast(comm, a.interval)

	a.logger.Info("agent started",
		zap.String("addr", a.self),
		zap.Int32("capability", a.Capability()),
		zap.Bool("secondary", a.radioOn))
	return nil
}

// Stop stops every engine, then detaches and stops the capabilities in
// reverse start order. It is idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false

	if a.radioPosition != nil {
		a.radioPosition.Stop()
	}
	a.position.Stop()
	a.communication.Stop()
	a.discovery.Stop()

	if a.radioOn {
		a.secondary.SetHandler(nil)
		a.secondary.Stop()
		a.radioOn = false
	}
	a.primary.SetHandler(nil)
	a.primary.Stop()
	a.logger.Info("agent stopped")
}

// RefreshSelf rebuilds the self record from the table entry: join_time is
// carried forward, timestamp is stamped now, then update (may be nil) is
// applied. The result replaces the Discovery broadcast.
func (a *Agent) RefreshSelf(update func(*message.Discovery)) message.Discovery {
	return a.refreshSelf(update)
}

func (a *Agent) refreshSelf(update func(*message.Discovery)) message.Discovery {
	now := message.Millis(a.now())
	self := a.discoveries.Update(a.self, func(cur message.Discovery, ok bool) message.Discovery {
		join := cur.JoinTime
		if !ok {
			join = a.discovery.JoinTime()
		}
		next := cur
		if !ok {
			next = a.template
		}
		next.Timestamp = now
		next.CapabilityIndex = a.Capability()
		if update != nil {
			update(&next)
			a.capability.Store(next.CapabilityIndex)
		}
		next.JoinTime = join
		next.Address = a.self
		return next
	})
	a.discovery.SetBroadcast(self, a.interval)
	return self
}

// SetCapability changes the local capability index and re-advertises it.
func (a *Agent) SetCapability(c int32) {
	a.capability.Store(c)
	a.refreshSelf(nil)
}

// SetCommunication replaces the advertised Communication record.
func (a *Agent) SetCommunication(c message.Communication) {
	c.Timestamp = message.Millis(a.now())
	a.communications.Upsert(a.self, c)
	a.communication.SetBroadcast(c, a.interval)
}

// SendDiscovery sends the current self record once, outside the broadcast
// cadence.
func (a *Agent) SendDiscovery() {
	self, _ := a.discoveries.Get(a.self)
	self.Timestamp = message.Millis(a.now())
	a.discovery.Send(self)
}

// UpdatePosition records p as the local position and sends it on the
// primary capability, and on the secondary when it is connected.
func (a *Agent) UpdatePosition(p message.Position) {
	if p.Timestamp == 0 {
		p.Timestamp = message.Millis(a.now())
	}
	a.positions.Upsert(a.self, p)
	a.position.Send(p)

	a.mu.Lock()
	radio := a.radioOn
	a.mu.Unlock()
	if radio && a.secondary.Connected() {
		a.radioPosition.Send(p)
	}
}

// onDiscovery merges an inbound Discovery. The sender's record, join_time
// included, replaces whatever the table held for it.
func (a *Agent) onDiscovery(msg message.Discovery, from string, _ uint16) {
	key := msg.Address
	if key == "" {
		key = from
	}
	if from != key {
		a.aliasMu.Lock()
		a.aliases[from] = key
		a.aliasMu.Unlock()
	}
	if key == a.self {
		a.discard(a.discovery.Name(), telemetry.ReasonSelf)
		return
	}
	if !policy.ShouldShare(a.Capability(), msg.CapabilityIndex) {
		a.discard(a.discovery.Name(), telemetry.ReasonPolicy)
		a.logger.Debug("peer not shared with", zap.String("peer", key), zap.Int32("capability", msg.CapabilityIndex))
		return
	}
	if a.discoveries.Upsert(key, msg) {
		a.logger.Info("discovered peer",
			zap.String("peer", key),
			zap.Int32("capability", msg.CapabilityIndex),
			zap.Stringer("protocol", msg.Protocol))
	}
}

func (a *Agent) resolve(from string) string {
	a.aliasMu.Lock()
	defer a.aliasMu.Unlock()
	if key, ok := a.aliases[from]; ok {
		return key
	}
	return from
}

// accepted maps a source address to a peer key. Communication and Position
// records carry no capability; they are taken only from peers whose
// Discovery passed the sharing policy.
func (a *Agent) accepted(engine, from string) (string, bool) {
	key := a.resolve(from)
	if key == a.self {
		a.discard(engine, telemetry.ReasonSelf)
		return "", false
	}
	if _, ok := a.discoveries.Get(key); !ok {
		a.discard(engine, telemetry.ReasonPolicy)
		return "", false
	}
	return key, true
}

func (a *Agent) onCommunication(msg message.Communication, from string, _ uint16) {
	if key, ok := a.accepted(a.communication.Name(), from); ok {
		a.communications.Upsert(key, msg)
	}
}

func (a *Agent) onPosition(msg message.Position, from string, _ uint16) {
	if key, ok := a.accepted(a.position.Name(), from); ok {
		a.positions.Upsert(key, msg)
	}
}

func (a *Agent) discard(engine, reason string) {
	telemetry.MessagesDiscarded.WithLabelValues(engine, reason).Inc()
}

func (a *Agent) Discoveries() []peers.Entry[message.Discovery] { return a.discoveries.Sorted() }

func (a *Agent) Communications() []peers.Entry[message.Communication] {
	return a.communications.Sorted()
}

func (a *Agent) Positions() []peers.Entry[message.Position] { return a.positions.Sorted() }

// Peer returns the Discovery record held for key.
func (a *Agent) Peer(key string) (message.Discovery, bool) { return a.discoveries.Get(key) }

// Views implements peers.Source.
func (a *Agent) Views() []peers.View {
	rows := a.discoveries.Sorted()
	out := make([]peers.View, 0, len(rows))
	for _, r := range rows {
		out = append(out, peers.View{
			Key:        r.Key,
			Capability: r.Value.CapabilityIndex,
			Protocol:   r.Value.Protocol.String(),
			JoinTime:   r.Value.JoinTime,
			Timestamp:  r.Value.Timestamp,
			Self:       r.Key == a.self,
		})
	}
	return out
}

// WriteStatus prints the three peer tables.
func (a *Agent) WriteStatus(w io.Writer) error {
	now := message.Millis(a.now())
	ew := &errWriter{w: w}

	ew.printf("\n=== Current Network Status ===\n")
	for _, r := range a.discoveries.Sorted() {
		ew.printf("    - %s: %s joined %ds ago\n", r.Key, r.Value, joinedAgo(now, r.Value.JoinTime))
	}
	ew.printf("\n=== Current Communication Status ===\n")
	for _, r := range a.communications.Sorted() {
		ew.printf("    - %s: %s\n", r.Key, r.Value)
	}
	ew.printf("\n=== Current Position Status ===\n")
	for _, r := range a.positions.Sorted() {
		ew.printf("    - %s: %s\n", r.Key, r.Value)
	}
	return ew.err
}

func joinedAgo(now, join uint64) int64 {
	if join > now {
		return 0
	}
	return int64(now-join) / 1000
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
