// Package lora is the long-range radio capability. The radio is a serial
// attached modem that takes raw commands and answers with framed
// responses; inbound radio datagrams arrive as unsolicited MESSAGE frames.
//
// The radio has no ports. Every datagram is reported with port 0.
package lora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/pkg/netif"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultStatusInterval = 30 * time.Second

	groupSendGap = 100 * time.Millisecond
	readBuf      = 1024
)

var (
	ErrTimeout = errors.New("lora: command timed out")
	ErrNack    = errors.New("lora: command rejected")
	ErrDevice  = errors.New("lora: radio error")
)

// DeviceError carries the radio's error code for a NACK or ERROR response.
type DeviceError struct {
	Cmd  byte
	Code byte
	err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v (command %#02x, code %#02x)", e.err, e.Cmd, e.Code)
}

func (e *DeviceError) Unwrap() error { return e.err }

type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0.
	Device string
	// Address is the node's IPv6 address; it should match the LAN address
	// so both capabilities key the participant the same way.
	Address        string
	Timeout        time.Duration // DefaultTimeout
	StatusInterval time.Duration // DefaultStatusInterval
	Logger         *zap.Logger

	// Port replaces opening Device, for tests and simulators.
	Port io.ReadWriteCloser
}

type Interface struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	handler netif.Handler
	port    io.ReadWriteCloser
	status  Status
	pending map[byte]chan Frame
	cancel  context.CancelFunc
	group   *errgroup.Group

	writeMu sync.Mutex
}

func New(cfg Config) (*Interface, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("lora: node address required: %w", netif.ErrInvalidAddress)
	}
	if _, err := addr16(cfg.Address); err != nil {
		return nil, err
	}
	if cfg.Device == "" && cfg.Port == nil {
		return nil, errors.New("lora: no serial device")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	return &Interface{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).Named("lora").With(zap.String("device", cfg.Device)),
		pending: make(map[byte]chan Frame),
	}, nil
}

// Start opens the serial line, starts the reader and status heartbeat, and
// programs the node address. The initial status query is best effort.
func (i *Interface) Start() error {
	i.mu.Lock()
	if i.cancel != nil {
		i.mu.Unlock()
		return nil
	}
	port := i.cfg.Port
	if port == nil {
		var err error
		if port, err = openSerial(i.cfg.Device); err != nil {
			i.mu.Unlock()
			return fmt.Errorf("lora: open %s: %w", i.cfg.Device, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	i.port, i.cancel, i.group = port, cancel, g
	i.mu.Unlock()

	g.Go(func() error { return i.readLoop(gctx, port) })
	g.Go(func() error { return i.heartbeat(gctx) })

	cmd, _ := SetIPv6Command(i.cfg.Address)
	if err := i.write(cmd); err != nil {
		i.Stop()
		return fmt.Errorf("lora: set address: %w", err)
	}
	if _, err := i.Status(ctx); err != nil {
		i.logger.Warn("initial status failed", zap.Error(err))
	}
	i.logger.Info("lora started", zap.String("addr", i.Address()))
	return nil
}

func (i *Interface) Stop() {
	i.mu.Lock()
	if i.cancel == nil {
		i.mu.Unlock()
		return
	}
	cancel, port, g := i.cancel, i.port, i.group
	i.cancel, i.port, i.group = nil, nil, nil
	i.mu.Unlock()

	cancel()
	port.Close()
	if err := g.Wait(); err != nil {
		i.logger.Debug("radio loop ended", zap.Error(err))
	}
	i.logger.Info("lora stopped")
}

func (i *Interface) readLoop(ctx context.Context, port io.Reader) error {
	var dec Decoder
	buf := make([]byte, readBuf)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				i.dispatch(f)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.logger.Warn("serial read failed", zap.Error(err))
			return fmt.Errorf("lora: read: %w", err)
		}
	}
}

func (i *Interface) heartbeat(ctx context.Context) error {
	t := time.NewTicker(i.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := i.Status(ctx); err != nil && ctx.Err() == nil {
				i.logger.Warn("status poll failed", zap.Error(err))
			}
		}
	}
}

func (i *Interface) dispatch(f Frame) {
	switch f.Type {
	case RespMessage:
		m, err := ParseMessage(f.Body)
		if err != nil {
			return
		}
		i.mu.Lock()
		h := i.handler
		i.mu.Unlock()
		if h != nil {
			h(m.Payload, m.From, 0)
		}
	case RespACK, RespNACK:
		i.deliver(f.Body[0], f)
	case RespStatus:
		i.deliver(CmdGetStatus, f)
	case RespError:
		i.mu.Lock()
		waiters := make([]chan Frame, 0, len(i.pending))
		for _, ch := range i.pending {
			waiters = append(waiters, ch)
		}
		i.mu.Unlock()
		for _, ch := range waiters {
			select {
			case ch <- f:
			default:
			}
		}
		i.logger.Warn("radio error", zap.Uint8("code", f.Body[0]))
	}
}

func (i *Interface) deliver(cmd byte, f Frame) {
	i.mu.Lock()
	ch := i.pending[cmd]
	i.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (i *Interface) write(cmd []byte) error {
	i.mu.Lock()
	port := i.port
	i.mu.Unlock()
	if port == nil {
		return netif.ErrNotStarted
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if _, err := port.Write(cmd); err != nil {
		return fmt.Errorf("lora: write: %w", err)
	}
	return nil
}

// request writes cmd and waits for the response addressed to it. One
// request per command byte may be outstanding.
func (i *Interface) request(ctx context.Context, cmd []byte) (Frame, error) {
	code := cmd[0]
	ch := make(chan Frame, 1)

	i.mu.Lock()
	if _, busy := i.pending[code]; busy {
		i.mu.Unlock()
		return Frame{}, fmt.Errorf("lora: command %#02x already in flight", code)
	}
	i.pending[code] = ch
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, code)
		i.mu.Unlock()
	}()

	if err := i.write(cmd); err != nil {
		return Frame{}, err
	}

	timer := time.NewTimer(i.cfg.Timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		switch f.Type {
		case RespNACK:
			return f, &DeviceError{Cmd: code, Code: f.Body[1], err: ErrNack}
		case RespError:
			return f, &DeviceError{Cmd: code, Code: f.Body[0], err: ErrDevice}
		}
		return f, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Status queries the radio and caches the report.
func (i *Interface) Status(ctx context.Context) (Status, error) {
	f, err := i.request(ctx, []byte{CmdGetStatus})
	if err != nil {
		return Status{}, err
	}
	st, err := ParseStatus(f.Body)
	if err != nil {
		return Status{}, err
	}
	i.mu.Lock()
	i.status = st
	i.mu.Unlock()
	return st, nil
}

// LastStatus returns the most recent cached report.
func (i *Interface) LastStatus() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Interface) configure(ctx context.Context, typ byte, value ...byte) error {
	_, err := i.request(ctx, ConfigCommand(typ, value))
	return err
}

func (i *Interface) SetTxPower(ctx context.Context, dbm uint8) error {
	return i.configure(ctx, ConfigTxPower, dbm)
}

func (i *Interface) SetFrequency(ctx context.Context, hz uint32) error {
	return i.configure(ctx, ConfigFrequency, byte(hz>>24), byte(hz>>16), byte(hz>>8), byte(hz))
}

func (i *Interface) SetHopLimit(ctx context.Context, hops uint8) error {
	return i.configure(ctx, ConfigHopLimit, hops)
}

// SetIPv6 reprograms the node address.
func (i *Interface) SetIPv6(addr string) error {
	cmd, err := SetIPv6Command(addr)
	if err != nil {
		return err
	}
	if err := i.write(cmd); err != nil {
		return err
	}
	i.mu.Lock()
	i.cfg.Address = addr
	i.mu.Unlock()
	return nil
}

func (i *Interface) Reset() error { return i.write([]byte{CmdResetNode}) }

func (i *Interface) Send(addr string, _ uint16, data []byte) error {
	cmd, err := SendCommand(addr, data)
	if err != nil {
		return err
	}
	return i.write(cmd)
}

// Multicast broadcasts to every radio in range.
func (i *Interface) Multicast(data []byte) error {
	return i.Send(Broadcast, 0, data)
}

// MulticastTo unicasts to each address, pacing sends so the radio keeps up.
func (i *Interface) MulticastTo(addrs []string, port uint16, data []byte) error {
	var errs []error
	for n, addr := range addrs {
		if n > 0 {
			time.Sleep(groupSendGap)
		}
		if err := i.Send(addr, port, data); err != nil {
			if errors.Is(err, netif.ErrNotStarted) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Address is the address the radio reports, or the configured one until
// it has reported.
func (i *Interface) Address() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status.Address != "" && i.status.Address != "::" {
		return i.status.Address
	}
	return i.cfg.Address
}

func (i *Interface) Port() uint16 { return 0 }

func (i *Interface) Name() string {
	if i.cfg.Device != "" {
		return "lora-" + i.cfg.Device
	}
	return "lora"
}

func (i *Interface) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancel != nil
}

func (i *Interface) SetHandler(h netif.Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = h
}

var _ netif.Interface = (*Interface)(nil)
