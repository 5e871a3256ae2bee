package transport

import "github.com/ryandielhenn/impulse/pkg/netif"

// Receiver accepts raw inbound datagrams. Every *Engine is a Receiver.
type Receiver interface {
	HandleIncoming(data []byte, from string, port uint16)
}

// Fanout returns a netif.Handler that offers each datagram to every
// receiver in order.
func Fanout(rs ...Receiver) netif.Handler {
	return func(data []byte, from string, port uint16) {
		for _, r := range rs {
			r.HandleIncoming(data, from, port)
		}
	}
}
