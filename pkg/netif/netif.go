// Package netif defines the network capability the discovery protocol runs
// on. Concrete capabilities live in subpackages: lan (IPv6 UDP multicast),
// lora (serial long-range radio) and mem (in-process hub for tests and
// simulation).
//
// The protocol layers only ever multicast, unicast, and receive whole
// datagrams. Everything about sockets, interfaces and radios stays behind
// this interface.
package netif

import "errors"

var (
	ErrNotStarted     = errors.New("netif: interface not started")
	ErrInvalidAddress = errors.New("netif: invalid address")
)

// Handler receives one inbound datagram. It runs on the capability's receive
// goroutine, so it must not block for long.
type Handler func(data []byte, from string, port uint16)

// Interface is a datagram capability.
//
// Stop must be idempotent and must not return until the receive goroutine
// has exited; after Stop returns the registered Handler is never invoked
// again. Owners stop everything that registered a Handler before the
// Interface itself goes away.
type Interface interface {
	Start() error
	Stop()

	Send(addr string, port uint16, data []byte) error
	Multicast(data []byte) error
	MulticastTo(addrs []string, port uint16, data []byte) error

	Address() string
	Port() uint16
	Name() string
	Connected() bool

	SetHandler(h Handler)
}
