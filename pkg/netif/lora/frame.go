package lora

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ryandielhenn/impulse/pkg/netif"
)

// Host to radio commands. A command is the command byte followed by its
// arguments, with no framing.
const (
	CmdSendMessage  byte = 0x01
	CmdSetIPv6      byte = 0x02
	CmdGetStatus    byte = 0x03
	CmdSetConfig    byte = 0x04
	CmdResetNode    byte = 0x05
	CmdGetNeighbors byte = 0x06
)

// Radio to host responses, each framed as header + type + body.
const (
	RespACK     byte = 0x80
	RespNACK    byte = 0x81
	RespStatus  byte = 0x82
	RespMessage byte = 0x83
	RespError   byte = 0x84
)

// SET_CONFIG parameter types.
const (
	ConfigTxPower   byte = 0x01
	ConfigFrequency byte = 0x02
	ConfigHopLimit  byte = 0x03
)

// Radio error codes carried by NACK and ERROR.
const (
	ErrCodeInvalidCommand byte = 0x01
	ErrCodeInvalidIPv6    byte = 0x02
	ErrCodeRadioFailure   byte = 0x03
	ErrCodeBufferOverflow byte = 0x04
	ErrCodeTimeout        byte = 0x05
	ErrCodeChecksum       byte = 0x06
)

// Broadcast is the destination that reaches every radio in range.
const Broadcast = "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff"

var header = []byte{0xAA, 0xBB, 0xCC, 0xDD}

const (
	headerLen  = 4
	statusLen  = 25
	messageHdr = 1 + 16 + 2 // broadcast flag, source, length
)

var ErrShortFrame = errors.New("lora: short frame")

// Frame is one response with the header stripped.
type Frame struct {
	Type byte
	Body []byte
}

// Decoder reassembles frames from a byte stream. Bytes before a header are
// skipped; frames of unknown type are dropped.
type Decoder struct {
	buf []byte
}

// Feed appends p to the stream and returns every frame now complete.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	var out []Frame
	for {
		i := bytes.Index(d.buf, header)
		if i < 0 {
			// keep a possible partial header
			if n := len(d.buf); n > headerLen-1 {
				d.buf = append(d.buf[:0], d.buf[n-(headerLen-1):]...)
			}
			return out
		}
		d.buf = d.buf[i:]
		if len(d.buf) < headerLen+1 {
			return out
		}

		typ := d.buf[headerLen]
		body, ok := bodyLen(typ, d.buf[headerLen+1:])
		if !ok {
			return out
		}
		if body < 0 {
			d.buf = d.buf[headerLen+1:]
			continue
		}
		total := headerLen + 1 + body
		if len(d.buf) < total {
			return out
		}
		out = append(out, Frame{Type: typ, Body: append([]byte(nil), d.buf[headerLen+1:total]...)})
		d.buf = d.buf[total:]
	}
}

// bodyLen reports the body length for typ given the bytes seen so far,
// false if more are needed to know, or -1 for an unknown type.
func bodyLen(typ byte, rest []byte) (int, bool) {
	switch typ {
	case RespACK:
		return 1, true
	case RespNACK:
		return 2, true
	case RespStatus:
		return statusLen, true
	case RespError:
		return 1, true
	case RespMessage:
		if len(rest) < messageHdr {
			return 0, false
		}
		return messageHdr + int(binary.BigEndian.Uint16(rest[17:19])), true
	default:
		return -1, true
	}
}

// Encode frames a response; the radio side of the protocol, used by tests
// and simulators.
func Encode(typ byte, body []byte) []byte {
	out := make([]byte, 0, headerLen+1+len(body))
	out = append(out, header...)
	out = append(out, typ)
	return append(out, body...)
}

// Message is a received radio datagram.
type Message struct {
	From      string
	Broadcast bool
	Payload   []byte
}

func ParseMessage(body []byte) (Message, error) {
	if len(body) < messageHdr {
		return Message{}, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(body[17:19]))
	if len(body) < messageHdr+n {
		return Message{}, ErrShortFrame
	}
	src := netip.AddrFrom16([16]byte(body[1:17]))
	return Message{
		From:      src.String(),
		Broadcast: body[0] != 0,
		Payload:   append([]byte(nil), body[messageHdr:messageHdr+n]...),
	}, nil
}

// EncodeMessage builds a MESSAGE body.
func EncodeMessage(m Message) ([]byte, error) {
	src, err := addr16(m.From)
	if err != nil {
		return nil, err
	}
	if len(m.Payload) > 0xffff {
		return nil, fmt.Errorf("lora: payload of %d bytes exceeds frame limit", len(m.Payload))
	}
	body := make([]byte, messageHdr, messageHdr+len(m.Payload))
	if m.Broadcast {
		body[0] = 1
	}
	copy(body[1:17], src[:])
	binary.BigEndian.PutUint16(body[17:19], uint16(len(m.Payload)))
	return append(body, m.Payload...), nil
}

// Status is the radio's self report.
type Status struct {
	Address     string
	RadioActive bool
	TxPower     uint8
	FrequencyHz uint32
	HopLimit    uint8
	Uptime      time.Duration
}

func ParseStatus(body []byte) (Status, error) {
	if len(body) < statusLen {
		return Status{}, ErrShortFrame
	}
	return Status{
		Address:     netip.AddrFrom16([16]byte(body[0:16])).String(),
		RadioActive: body[16] != 0,
		TxPower:     body[17],
		FrequencyHz: binary.BigEndian.Uint32(body[18:22]),
		HopLimit:    body[22],
		Uptime:      time.Duration(binary.BigEndian.Uint16(body[23:25])) * time.Second,
	}, nil
}

func EncodeStatus(s Status) ([]byte, error) {
	a, err := addr16(s.Address)
	if err != nil {
		return nil, err
	}
	body := make([]byte, statusLen)
	copy(body[0:16], a[:])
	if s.RadioActive {
		body[16] = 1
	}
	body[17] = s.TxPower
	binary.BigEndian.PutUint32(body[18:22], s.FrequencyHz)
	body[22] = s.HopLimit
	binary.BigEndian.PutUint16(body[23:25], uint16(s.Uptime/time.Second))
	return body, nil
}

func addr16(s string) ([16]byte, error) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() {
		return [16]byte{}, fmt.Errorf("lora: address %q: %w", s, netif.ErrInvalidAddress)
	}
	return a.As16(), nil
}

// SendCommand builds SEND_MESSAGE: [len u16 BE][dest 16][payload].
func SendCommand(dest string, payload []byte) ([]byte, error) {
	d, err := addr16(dest)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("lora: payload of %d bytes exceeds frame limit", len(payload))
	}
	cmd := make([]byte, 1+2+16, 1+2+16+len(payload))
	cmd[0] = CmdSendMessage
	binary.BigEndian.PutUint16(cmd[1:3], uint16(len(payload)))
	copy(cmd[3:19], d[:])
	return append(cmd, payload...), nil
}

func SetIPv6Command(addr string) ([]byte, error) {
	a, err := addr16(addr)
	if err != nil {
		return nil, err
	}
	return append([]byte{CmdSetIPv6}, a[:]...), nil
}

func ConfigCommand(typ byte, value []byte) []byte {
	return append([]byte{CmdSetConfig, typ}, value...)
}
