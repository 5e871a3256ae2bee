// Package lan is the IPv6 UDP multicast capability. Every participant on a
// link listens on the same port, joins the same group and multicasts whole
// records to it.
package lan

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/pkg/netif"
)

const (
	DefaultPort      = 7447
	DefaultGroup     = "ff02::1"
	DefaultInterface = "eno2"
	FallbackIface    = "lo"

	maxDatagram   = 2048
	pollInterval  = 10 * time.Millisecond
	multicastHops = 1
)

// GenerateAddress returns the unique-local address for a participant id.
func GenerateAddress(id uint16) string {
	raw := fmt.Sprintf("fd00:dead:beef::%04x", id)
	if a, err := netip.ParseAddr(raw); err == nil {
		return a.String()
	}
	return raw
}

// RandomAddress is GenerateAddress with a random non-zero id.
func RandomAddress() string {
	return GenerateAddress(uint16(1 + rand.N(0xffff)))
}

type Config struct {
	Interface string // DefaultInterface
	Port      uint16 // DefaultPort
	Group     string // DefaultGroup
	Address   string // RandomAddress()
	Logger    *zap.Logger
}

type Interface struct {
	ifname string
	port   uint16
	group  netip.Addr
	addr   netip.Addr
	logger *zap.Logger

	mu      sync.Mutex
	handler netif.Handler
	ifi     *net.Interface
	pc      net.PacketConn
	conn    *ipv6.PacketConn
	send    net.PacketConn
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates cfg. Sockets are opened by Start.
func New(cfg Config) (*Interface, error) {
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Address == "" {
		cfg.Address = RandomAddress()
	}
	group, err := netip.ParseAddr(cfg.Group)
	if err != nil || !group.Is6() || !group.IsMulticast() {
		return nil, fmt.Errorf("lan: group %q: %w", cfg.Group, netif.ErrInvalidAddress)
	}
	addr, err := netip.ParseAddr(cfg.Address)
	if err != nil || !addr.Is6() {
		return nil, fmt.Errorf("lan: address %q: %w", cfg.Address, netif.ErrInvalidAddress)
	}
	return &Interface{
		ifname: cfg.Interface,
		port:   cfg.Port,
		group:  group,
		addr:   addr.WithZone(""),
		logger: logging.OrNop(cfg.Logger).Named("lan").With(zap.String("addr", addr.String())),
	}, nil
}

func (i *Interface) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		return nil
	}

	ifi, err := net.InterfaceByName(i.ifname)
	if err != nil {
		i.logger.Warn("interface not found, falling back", zap.String("iface", i.ifname), zap.String("fallback", FallbackIface))
		if ifi, err = net.InterfaceByName(FallbackIface); err != nil {
			return fmt.Errorf("lan: interface %s: %w", FallbackIface, err)
		}
		i.ifname = FallbackIface
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ctx := context.Background()
	pc, err := lc.ListenPacket(ctx, "udp6", net.JoinHostPort("::", strconv.Itoa(int(i.port))))
	if err != nil {
		return fmt.Errorf("lan: listen port %d: %w", i.port, err)
	}
	conn := ipv6.NewPacketConn(pc)
	group := &net.UDPAddr{IP: i.group.AsSlice()}
	if err := conn.JoinGroup(ifi, group); err != nil {
		pc.Close()
		return fmt.Errorf("lan: join %s on %s: %w", i.group, ifi.Name, err)
	}
	if err := conn.SetMulticastInterface(ifi); err != nil {
		pc.Close()
		return fmt.Errorf("lan: multicast interface %s: %w", ifi.Name, err)
	}
	if err := conn.SetMulticastLoopback(true); err != nil {
		pc.Close()
		return fmt.Errorf("lan: multicast loopback: %w", err)
	}
	if err := conn.SetMulticastHopLimit(multicastHops); err != nil {
		pc.Close()
		return fmt.Errorf("lan: multicast hop limit: %w", err)
	}

	// Datagrams leave from our own address when the host has it assigned.
	send := pc
	local := net.JoinHostPort(i.zoned(ifi).String(), "0")
	if sc, err := lc.ListenPacket(ctx, "udp6", local); err == nil {
		p := ipv6.NewPacketConn(sc)
		_ = p.SetMulticastInterface(ifi)
		_ = p.SetMulticastLoopback(true)
		_ = p.SetMulticastHopLimit(multicastHops)
		send = sc
	} else {
		i.logger.Warn("address not assigned, sending from the interface default", zap.String("iface", ifi.Name), zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.ifi, i.pc, i.conn, i.send = ifi, pc, conn, send
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.receiveLoop(runCtx, conn, i.done)

	i.logger.Info("lan started", zap.String("iface", ifi.Name), zap.Uint16("port", i.port), zap.String("group", i.group.String()))
	return nil
}

func (i *Interface) zoned(ifi *net.Interface) netip.Addr {
	if i.addr.IsLinkLocalUnicast() {
		return i.addr.WithZone(ifi.Name)
	}
	return i.addr
}

func (i *Interface) Stop() {
	i.mu.Lock()
	if i.cancel == nil {
		i.mu.Unlock()
		return
	}
	cancel, done, pc, conn, send, ifi := i.cancel, i.done, i.pc, i.conn, i.send, i.ifi
	i.cancel, i.done, i.pc, i.conn, i.send = nil, nil, nil, nil, nil
	i.mu.Unlock()

	cancel()
	_ = conn.LeaveGroup(ifi, &net.UDPAddr{IP: i.group.AsSlice()})
	conn.Close()
	if send != pc {
		send.Close()
	}
	<-done
	i.logger.Info("lan stopped")
}

func (i *Interface) receiveLoop(ctx context.Context, conn *ipv6.PacketConn, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)
	self := i.addr.String()

	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				i.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		ua, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		from, _ := netip.AddrFromSlice(ua.IP)
		addr := from.Unmap().String()
		if addr == self {
			continue
		}

		i.mu.Lock()
		h := i.handler
		i.mu.Unlock()
		if h != nil {
			h(append([]byte(nil), buf[:n]...), addr, uint16(ua.Port))
		}
	}
}

// target resolves addr, scoping link-local destinations to zone.
func target(addr string, port uint16, zone string) (*net.UDPAddr, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is6() {
		return nil, fmt.Errorf("lan: destination %q: %w", addr, netif.ErrInvalidAddress)
	}
	ua := &net.UDPAddr{IP: ip.AsSlice(), Port: int(port)}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		ua.Zone = zone
	}
	return ua, nil
}

func (i *Interface) Send(addr string, port uint16, data []byte) error {
	i.mu.Lock()
	send, zone := i.send, i.ifname
	i.mu.Unlock()
	if send == nil {
		return netif.ErrNotStarted
	}
	dst, err := target(addr, port, zone)
	if err != nil {
		return err
	}
	if _, err := send.WriteTo(data, dst); err != nil {
		return fmt.Errorf("lan: send to [%s]:%d: %w", addr, port, err)
	}
	return nil
}

func (i *Interface) Multicast(data []byte) error {
	return i.Send(i.group.String(), i.port, data)
}

// MulticastTo sends data to each address in turn. Bad or unreachable
// destinations do not stop the rest; their errors are joined.
func (i *Interface) MulticastTo(addrs []string, port uint16, data []byte) error {
	var errs []error
	for _, addr := range addrs {
		if err := i.Send(addr, port, data); err != nil {
			if errors.Is(err, netif.ErrNotStarted) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (i *Interface) Address() string { return i.addr.String() }

func (i *Interface) Port() uint16 { return i.port }

func (i *Interface) Name() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ifname
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
