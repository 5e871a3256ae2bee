package message

import (
	"fmt"
	"time"
)

const (
	// AddressLen is the width of an IPv6 text address field (INET6_ADDRSTRLEN).
	AddressLen = 46

	DiscoverySize = 8 + 8 + 24 + 1 + 4 + 1 + 4 + AddressLen
)

// Discovery is the periodic "I am here" record.
//
// JoinTime is set once when the participant comes up and is copied forward
// unchanged on every later broadcast of the same participant, so
// JoinTime <= Timestamp always holds for a well-behaved sender.
type Discovery struct {
	Timestamp       uint64
	JoinTime        uint64
	ZeroRef         Datum
	Orchestrator    bool
	CapabilityIndex int32
	Medium          Medium
	Protocol        Protocol
	Address         string
}

func (Discovery) Size() int { return DiscoverySize }

func (d Discovery) MarshalTo(b []byte) {
	w := writer{b: b[:DiscoverySize]}
	w.u64(d.Timestamp)
	w.u64(d.JoinTime)
	w.datum(d.ZeroRef)
	w.boolean(d.Orchestrator)
	w.i32(d.CapabilityIndex)
	w.u8(uint8(d.Medium))
	w.i32(int32(d.Protocol))
	w.fixed(d.Address, AddressLen)
}

func (d *Discovery) Unmarshal(b []byte) error {
	if err := checkSize("discovery", b, DiscoverySize); err != nil {
		return err
	}
	r := reader{b: b}
	d.Timestamp = r.u64()
	d.JoinTime = r.u64()
	d.ZeroRef = r.datum()
	d.Orchestrator = r.boolean()
	d.CapabilityIndex = r.i32()
	d.Medium = Medium(r.u8())
	d.Protocol = Protocol(r.i32())
	d.Address = r.fixed(AddressLen)
	return nil
}

func (d *Discovery) SetTimestamp(ms uint64) { d.Timestamp = ms }

func (d Discovery) String() string {
	joined := time.UnixMilli(int64(d.JoinTime)).Format("15:04:05")
	return fmt.Sprintf("Discovery{capability=%d, orchestrator=%t, joined=%s}", d.CapabilityIndex, d.Orchestrator, joined)
}
