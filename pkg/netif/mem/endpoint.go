package mem

import (
	"sync"

	"github.com/ryandielhenn/impulse/pkg/netif"
)

const queueDepth = 256

// Endpoint is one participant's view of a Hub.
type Endpoint struct {
	hub  *Hub
	addr string
	port uint16
	name string

	mu      sync.Mutex
	handler netif.Handler
	running bool
	inbox   chan Datagram
	done    chan struct{}
}

func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if err := e.hub.attach(e); err != nil {
		return err
	}
	e.inbox = make(chan Datagram, queueDepth)
	e.done = make(chan struct{})
	e.running = true
	go e.receiveLoop(e.inbox, e.done)
	return nil
}

func (e *Endpoint) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	inbox, done := e.inbox, e.done
	e.mu.Unlock()

	e.hub.detach(e)
	close(inbox)
	<-done
}

func (e *Endpoint) receiveLoop(inbox <-chan Datagram, done chan<- struct{}) {
	defer close(done)
	for d := range inbox {
		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()
		if h != nil {
			h(d.Data, d.From, e.port)
		}
	}
}

// enqueue drops the datagram when the inbox is full, like a congested link.
func (e *Endpoint) enqueue(d Datagram) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	select {
	case e.inbox <- d:
	default:
	}
}

func (e *Endpoint) Send(addr string, port uint16, data []byte) error {
	if !e.Connected() {
		return netif.ErrNotStarted
	}
	if addr == "" {
		return netif.ErrInvalidAddress
	}
	e.hub.deliver(e, addr, port, data)
	return nil
}

func (e *Endpoint) Multicast(data []byte) error {
	if !e.Connected() {
		return netif.ErrNotStarted
	}
	e.hub.deliver(e, "", e.port, data)
	return nil
}

func (e *Endpoint) MulticastTo(addrs []string, port uint16, data []byte) error {
	for _, addr := range addrs {
		if err := e.Send(addr, port, data); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) Address() string { return e.addr }
func (e *Endpoint) Port() uint16    { return e.port }
func (e *Endpoint) Name() string    { return e.name }

func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Endpoint) SetHandler(h netif.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}
