// Package aris implements the self-organizing announce loop: a robot
// listens for a random window, then either joins the protocol a peer is
// already using or elects one from its own capability, and from then on
// announces itself at a rate bounded by a token bucket.
package aris

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/internal/telemetry"
	"github.com/ryandielhenn/impulse/pkg/message"
	"github.com/ryandielhenn/impulse/pkg/netif"
	"github.com/ryandielhenn/impulse/pkg/peers"
	"github.com/ryandielhenn/impulse/pkg/policy"
	"github.com/ryandielhenn/impulse/pkg/transport"
)

// Port and Group are where ARIS announcements travel, apart from the
// plain discovery traffic on ff02::1.
const (
	Port  = 7447
	Group = "ff02::1234"
)

type State int32

const (
	Listening State = iota
	Electing
	Joining
	Steady
	Stopped
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Electing:
		return "electing"
	case Joining:
		return "joining"
	case Steady:
		return "steady"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SelectProtocol picks the swarm protocol a first robot imposes.
func SelectProtocol(capability int32) message.Protocol {
	if capability >= 90 {
		return message.ProtocolDDSRTPS
	} else if capability >= 60 {
		return message.ProtocolZenoh
	}
	return message.ProtocolMQTT
}

// NewUUID returns a random UUID whose first four bytes carry the robot id.
func NewUUID(robotID uint32) string {
	u := uuid.New()
	binary.BigEndian.PutUint32(u[:4], robotID)
	return u.String()
}

// Config tunes a Robot. Zero values take the defaults noted per field.
type Config struct {
	Name       string
	RobotID    uint32
	Capability int32
	Medium     message.Medium // wifi-5ghz
	ZeroRef    *message.Datum // message.DefaultZeroRef

	ListenMin time.Duration // 5s
	ListenMax time.Duration // 15s
	Step      time.Duration // 100ms

	ElectionCost  int64 // 30
	ElectionBurst int   // 10 steps
	SteadyCost    int64 // 10
	SteadyBurst   int   // 20 steps

	Bucket *TokenBucket
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Medium == message.MediumUnknown {
		c.Medium = message.MediumWiFi5GHz
	}
	if c.ZeroRef == nil {
		c.ZeroRef = &message.DefaultZeroRef
	}
	if c.ListenMin <= 0 {
		c.ListenMin = 5 * time.Second
	}
	if c.ListenMax <= 0 {
		c.ListenMax = 15 * time.Second
	}
	if c.Step <= 0 {
		c.Step = 100 * time.Millisecond
	}
	if c.ElectionCost <= 0 {
		c.ElectionCost = 30
	}
	if c.ElectionBurst <= 0 {
		c.ElectionBurst = 10
	}
	if c.SteadyCost <= 0 {
		c.SteadyCost = 10
	}
	if c.SteadyBurst <= 0 {
		c.SteadyBurst = 20
	}
	if c.Bucket == nil {
		c.Bucket = NewTokenBucket(DefaultCapacity, DefaultBandwidth)
	}
}

// Robot is one ARIS participant. Its peer table is keyed by UUID and holds
// its own latest announcement too.
type Robot struct {
	cfg    Config
	uuid   string
	iface  netif.Interface
	engine *transport.Engine[message.Announcement, *message.Announcement]
	bucket *TokenBucket
	table  *peers.Table[message.Announcement]
	logger *zap.Logger

	capability atomic.Int32
	protocol   atomic.Int32
	state      atomic.Int32
	heard      chan struct{}

	tokensGauge prometheus.Gauge
	stateGauge  prometheus.Gauge

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a robot on iface, which should be joined to Group. The self
// entry is inserted immediately; nothing touches the network until Start.
func New(cfg Config, iface netif.Interface) *Robot {
	cfg.setDefaults()
	id := NewUUID(cfg.RobotID)
	logger := logging.OrNop(cfg.Logger).Named("aris").With(zap.String("robot", cfg.Name))

	r := &Robot{
		cfg:         cfg,
		uuid:        id,
		iface:       iface,
		engine:      transport.New[message.Announcement](cfg.Name+"/aris", iface, transport.WithLogger(logger)),
		bucket:      cfg.Bucket,
		table:       peers.New[message.Announcement](cfg.Name + "/aris"),
		logger:      logger.With(zap.String("uuid", id)),
		heard:       make(chan struct{}, 1),
		tokensGauge: telemetry.ArisTokens.WithLabelValues(cfg.Name),
		stateGauge:  telemetry.ArisState.WithLabelValues(cfg.Name),
	}
	r.capability.Store(cfg.Capability)
	r.protocol.Store(int32(message.ProtocolNone))
	r.setState(Listening)
	r.table.Upsert(r.uuid, r.announcement())
	r.engine.SetMessageHandler(r.onAnnouncement)
	return r
}

func (r *Robot) Name() string { return r.cfg.Name }

func (r *Robot) UUID() string { return r.uuid }

// ID implements peers.Source; a robot is keyed by its UUID.
func (r *Robot) ID() string { return r.uuid }

func (r *Robot) Capability() int32 { return r.capability.Load() }

// Protocol is the elected or adopted protocol, ProtocolNone until then.
func (r *Robot) Protocol() message.Protocol { return message.Protocol(r.protocol.Load()) }

func (r *Robot) State() State { return State(r.state.Load()) }

func (r *Robot) Tokens() int64 { return r.bucket.Tokens() }

// Peers returns the number of known robots, self excluded.
func (r *Robot) Peers() int { return r.table.Len() - 1 }

// Start brings up the capability and launches the announce loop.
func (r *Robot) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	r.iface.SetHandler(transport.Fanout(r.engine))
	if err := r.iface.Start(); err != nil {
		r.iface.SetHandler(nil)
		return fmt.Errorf("aris %s: start %s: %w", r.cfg.Name, r.iface.Name(), err)
	}

	select {
	case <-r.heard:
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	r.logger.Info("joined announce group", zap.String("iface", r.iface.Name()), zap.String("addr", r.iface.Address()))
	return nil
}

// Stop ends the loop, then detaches and stops the capability. It is
// idempotent.
func (r *Robot) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil

	r.iface.SetHandler(nil)
	r.iface.Stop()
	r.setState(Stopped)
}

func (r *Robot) setState(s State) {
	r.state.Store(int32(s))
	r.stateGauge.Set(float64(s))
}

func (r *Robot) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	window := r.listenWindow()
	r.logger.Info("listening", zap.Duration("window", window))
	heard := r.listen(ctx, window)
	if ctx.Err() != nil {
		return
	}

	if heard {
		r.setState(Joining)
		r.logger.Info("joined existing network", zap.Stringer("protocol", r.Protocol()))
	} else {
		p := SelectProtocol(r.Capability())
		r.protocol.CompareAndSwap(int32(message.ProtocolNone), int32(p))
		r.setState(Electing)
		r.logger.Info("first robot, selected protocol", zap.Stringer("protocol", r.Protocol()))

		for ctx.Err() == nil && r.Peers() == 0 {
			if r.bucket.TryConsume(r.cfg.ElectionCost) {
				r.announce()
			}
			r.burst(ctx, r.cfg.ElectionBurst)
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Info("detected other robots, network established", zap.Int("peers", r.Peers()))
	}

	r.setState(Steady)
	for ctx.Err() == nil {
		if r.bucket.TryConsume(r.cfg.SteadyCost) {
			r.announce()
		}
		r.burst(ctx, r.cfg.SteadyBurst)
	}
}

func (r *Robot) listenWindow() time.Duration {
	lo, hi := r.cfg.ListenMin, r.cfg.ListenMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// listen waits up to window for any announcement, refilling tokens every
// step. It reports whether something was heard.
func (r *Robot) listen(ctx context.Context, window time.Duration) bool {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.Step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.heard:
			return true
		case <-deadline.C:
			return false
		case <-ticker.C:
			r.refill()
		}
	}
}

// burst spends n steps receiving and refilling.
func (r *Robot) burst(ctx context.Context, n int) {
	ticker := time.NewTicker(r.cfg.Step)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refill()
		}
	}
}

func (r *Robot) refill() {
	r.bucket.Refill()
	r.tokensGauge.Set(float64(r.bucket.Tokens()))
}

func (r *Robot) announce() {
	msg := r.announcement()
	r.table.Upsert(r.uuid, msg)
	r.engine.Send(msg)
	r.tokensGauge.Set(float64(r.bucket.Tokens()))
}

func (r *Robot) announcement() message.Announcement {
	msg := message.Announcement{
		Timestamp:       message.Now(),
		PublicKey:       message.PublicKeyPlaceholder,
		UUID:            r.uuid,
		ZeroRef:         *r.cfg.ZeroRef,
		CapabilityIndex: r.Capability(),
		Medium:          r.cfg.Medium,
		Protocol:        r.Protocol(),
		RobotID:         r.cfg.RobotID,
		RobotName:       r.cfg.Name,
	}
	msg.Addresses[0] = r.iface.Address()

	i := 0
	for _, key := range r.table.Keys() {
		if key == r.uuid {
			continue
		}
		if i == message.MaxParticipants {
			break
		}
		msg.Participants[i] = key
		i++
	}
	return msg
}

func (r *Robot) onAnnouncement(msg message.Announcement, from string, _ uint16) {
	if msg.UUID == r.uuid {
		telemetry.MessagesDiscarded.WithLabelValues(r.engine.Name(), telemetry.ReasonSelf).Inc()
		return
	}

	if msg.Protocol != message.ProtocolNone &&
		r.protocol.CompareAndSwap(int32(message.ProtocolNone), int32(msg.Protocol)) {
		r.logger.Info("adopted protocol", zap.Stringer("protocol", msg.Protocol), zap.String("peer", msg.UUID))
	}
	select {
	case r.heard <- struct{}{}:
	default:
	}

	if !policy.ShouldShare(r.Capability(), msg.CapabilityIndex) {
		telemetry.MessagesDiscarded.WithLabelValues(r.engine.Name(), telemetry.ReasonPolicy).Inc()
		r.logger.Debug("robot not shared with", zap.String("peer", msg.UUID), zap.Int32("capability", msg.CapabilityIndex))
		return
	}
	if r.table.Upsert(msg.UUID, msg) {
		r.logger.Info("discovered robot",
			zap.String("peer", msg.UUID),
			zap.String("name", msg.RobotName),
			zap.String("addr", from),
			zap.Int32("capability", msg.CapabilityIndex))
	}
}

// Known returns the robots heard from, ordered by UUID, self excluded.
func (r *Robot) Known() []message.Announcement {
	var out []message.Announcement
	for _, e := range r.table.Sorted() {
		if e.Key != r.uuid {
			out = append(out, e.Value)
		}
	}
	return out
}

// Views implements peers.Source.
func (r *Robot) Views() []peers.View {
	rows := r.table.Sorted()
	out := make([]peers.View, 0, len(rows))
	for _, e := range rows {
		out = append(out, peers.View{
			Key:        e.Key,
			Name:       e.Value.RobotName,
			Capability: e.Value.CapabilityIndex,
			Protocol:   e.Value.Protocol.String(),
			Timestamp:  e.Value.Timestamp,
			Self:       e.Key == r.uuid,
		})
	}
	return out
}

func (r *Robot) WriteStatus(w io.Writer) error {
	known := r.Known()
	sort.Slice(known, func(i, j int) bool { return known[i].RobotName < known[j].RobotName })

	_, err := fmt.Fprintf(w, "\n%s Status:\n  UUID: %s\n  Interface: %s\n  IPv6: %s\n  State: %s\n  Protocol: %s\n  Capability: %d/100\n  Tokens: %d\n  Known robots: %d\n",
		r.cfg.Name, r.uuid, r.iface.Name(), r.iface.Address(), r.State(), r.Protocol(), r.Capability(), r.Tokens(), len(known))
	if err != nil {
		return err
	}
	for _, k := range known {
		if _, err := fmt.Fprintf(w, "    - %s (%s) cap:%d\n", k.RobotName, k.UUID, k.CapabilityIndex); err != nil {
			return err
		}
	}
	return nil
}
