// Package transport turns a fixed-size message type into periodic multicast
// broadcasts plus size-checked receive dispatch.
//
// One Engine owns exactly one message type. Several engines can share a
// netif.Interface; Fanout hands every inbound datagram to each of them and
// the size check lets each engine pick out its own records from a shared
// multicast channel.
//
//	e := transport.New[message.Discovery]("discovery", iface, transport.WithLogger(l))
//	e.SetMessageHandler(func(d message.Discovery, from string, port uint16) { ... })
//	iface.SetHandler(transport.Fanout(e))
//	e.Start()
//	e.SetBroadcast(self, time.Second)
//	defer e.Stop()
package transport
