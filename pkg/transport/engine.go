package transport

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/internal/telemetry"
	"github.com/ryandielhenn/impulse/pkg/message"
	"github.com/ryandielhenn/impulse/pkg/netif"
)

const (
	DefaultInterval = time.Second
	DefaultTick     = 100 * time.Millisecond
)

// Codec is satisfied by pointers to fixed-size message records.
type Codec[T any] interface {
	*T
	message.Message
}

// Handler is invoked once per decoded inbound message, on the capability's
// receive goroutine.
type Handler[T any] func(msg T, from string, port uint16)

type options struct {
	logger *zap.Logger
	tick   time.Duration
	now    func() time.Time
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTick sets the broadcast timer granularity.
func WithTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithClock replaces time.Now for timestamps and interval accounting.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Engine binds one message type to one network capability.
type Engine[T any, P Codec[T]] struct {
	name     string
	iface    netif.Interface
	logger   *zap.Logger
	tick     time.Duration
	now      func() time.Time
	size     int
	joinTime uint64

	// guarded by mu; never held across a send
	mu         sync.Mutex
	handler    Handler[T]
	continuous bool
	interval   time.Duration
	msg        T

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sent, received, sendErrs prometheus.Counter
	discarded                *prometheus.CounterVec
}

// New creates an engine bound to iface. No I/O happens until Start; the
// engine's join time is captured here.
func New[T any, P Codec[T]](name string, iface netif.Interface, opts ...Option) *Engine[T, P] {
	o := options{tick: DefaultTick, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	var zero T
	return &Engine[T, P]{
		name:      name,
		iface:     iface,
		logger:    logging.OrNop(o.logger).Named("transport").With(zap.String("engine", name)),
		tick:      o.tick,
		now:       o.now,
		size:      P(&zero).Size(),
		joinTime:  message.Millis(o.now()),
		interval:  DefaultInterval,
		sent:      telemetry.MessagesSent.WithLabelValues(name),
		received:  telemetry.MessagesReceived.WithLabelValues(name),
		sendErrs:  telemetry.SendErrors.WithLabelValues(name),
		discarded: telemetry.MessagesDiscarded.MustCurryWith(prometheus.Labels{"engine": name}),
	}
}

func (e *Engine[T, P]) Name() string { return e.name }

// Size is the exact wire size of the bound message type.
func (e *Engine[T, P]) Size() int { return e.size }

// JoinTime is the wall-clock millisecond at which the engine was created.
func (e *Engine[T, P]) JoinTime() uint64 { return e.joinTime }

func (e *Engine[T, P]) Address() string { return e.iface.Address() }

// SetMessageHandler replaces the inbound handler.
func (e *Engine[T, P]) SetMessageHandler(h Handler[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// SetBroadcast stores msg as the continuous broadcast payload and arms the
// timer. A non-positive interval means DefaultInterval.
func (e *Engine[T, P]) SetBroadcast(msg T, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msg = msg
	e.interval = interval
	e.continuous = true
}

func (e *Engine[T, P]) UnsetBroadcast() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.continuous = false
}

// Broadcast returns the current broadcast payload and whether the timer is
// armed.
func (e *Engine[T, P]) Broadcast() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msg, e.continuous
}

// Send multicasts msg once. Failures are logged and counted, never returned:
// the network is lossy and there is nobody to retry for.
func (e *Engine[T, P]) Send(msg T) {
	buf := make([]byte, e.size)
	P(&msg).MarshalTo(buf)
	if err := e.iface.Multicast(buf); err != nil {
		e.sendErrs.Inc()
		e.logger.Warn("multicast failed", zap.Error(err))
		return
	}
	e.sent.Inc()
}

// HandleIncoming decodes data and hands it to the registered handler.
// Payloads of the wrong size belong to some other message type sharing the
// channel and are dropped silently.
func (e *Engine[T, P]) HandleIncoming(data []byte, from string, port uint16) {
	if len(data) != e.size {
		e.discarded.WithLabelValues(telemetry.ReasonSize).Inc()
		return
	}
	var msg T
	if err := P(&msg).Unmarshal(data); err != nil {
		e.discarded.WithLabelValues(telemetry.ReasonDecode).Inc()
		e.logger.Debug("decode failed", zap.String("addr", from), zap.Error(err))
		return
	}

	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		e.discarded.WithLabelValues(telemetry.ReasonNoHandle).Inc()
		return
	}
	e.received.Inc()
	h(msg, from, port)
}

// Start launches the broadcast timer. Calling Start on a running engine is a
// no-op.
func (e *Engine[T, P]) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	e.logger.Debug("engine started", zap.Int("size", e.size))
}

// Stop disarms the timer and waits for it to exit. It is safe to call more
// than once and on an engine that was never started.
func (e *Engine[T, P]) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
	e.logger.Debug("engine stopped")
}

func (e *Engine[T, P]) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	last := e.now()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := e.now()
		msg, due := e.due(now, last)
		if !due {
			continue
		}
		last = now
		e.Send(msg)
	}
}

// due stamps the stored payload and reports whether a full interval has
// elapsed since last. A send may drift late by up to a tick, never early.
func (e *Engine[T, P]) due(now, last time.Time) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.continuous {
		var zero T
		return zero, false
	}
	P(&e.msg).SetTimestamp(message.Millis(now))
	if now.Sub(last) < e.interval {
		var zero T
		return zero, false
	}
	return e.msg, true
}
