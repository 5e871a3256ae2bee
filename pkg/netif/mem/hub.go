// Package mem is an in-process multicast medium. A Hub stands in for a link
// segment; every Endpoint joined to it receives every multicast, including
// its own (multicast loopback), on its own receive goroutine.
package mem

import (
	"fmt"
	"sync"

	"github.com/ryandielhenn/impulse/pkg/netif"
)

// Datagram is one frame observed on the hub.
type Datagram struct {
	From string
	To   string // empty for multicast
	Port uint16
	Data []byte
}

type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	log       []Datagram
	loopback  bool
}

type HubOption func(*Hub)

// WithoutLoopback stops multicasts from being delivered back to the sender.
func WithoutLoopback() HubOption {
	return func(h *Hub) { h.loopback = false }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{endpoints: make(map[string]*Endpoint), loopback: true}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Endpoint creates an unstarted capability with the given address.
func (h *Hub) Endpoint(addr string, port uint16) *Endpoint {
	return &Endpoint{hub: h, addr: addr, port: port, name: "mem-" + addr}
}

// Sent returns a copy of every datagram sent on the hub so far.
func (h *Hub) Sent() []Datagram {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Datagram(nil), h.log...)
}

// SentFrom returns the datagrams sent by addr.
func (h *Hub) SentFrom(addr string) []Datagram {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Datagram
	for _, d := range h.log {
		if d.From == addr {
			out = append(out, d)
		}
	}
	return out
}

func (h *Hub) attach(e *Endpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[e.addr]; ok {
		return fmt.Errorf("mem: address %s already joined", e.addr)
	}
	h.endpoints[e.addr] = e
	return nil
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[e.addr] == e {
		delete(h.endpoints, e.addr)
	}
}

func (h *Hub) deliver(from *Endpoint, to string, port uint16, data []byte) {
	d := Datagram{From: from.addr, To: to, Port: port, Data: append([]byte(nil), data...)}

	h.mu.Lock()
	h.log = append(h.log, d)
	var targets []*Endpoint
	if to == "" {
		for addr, e := range h.endpoints {
			if addr == from.addr && !h.loopback {
				continue
			}
			targets = append(targets, e)
		}
	} else if e, ok := h.endpoints[to]; ok {
		targets = append(targets, e)
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.enqueue(d)
	}
}

var _ netif.Interface = (*Endpoint)(nil)
