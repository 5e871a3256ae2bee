package message

import (
	"errors"
	"fmt"
	"time"
)

var ErrSize = errors.New("message: payload size mismatch")

// Message is a fixed-size wire record.
//
// MarshalTo writes exactly Size() bytes into b, which must be at least that
// long. Unmarshal rejects any input whose length differs from Size().
type Message interface {
	Size() int
	MarshalTo(b []byte)
	Unmarshal(b []byte) error
	SetTimestamp(ms uint64)
	String() string
}

// Marshal returns the wire image of m.
func Marshal(m Message) []byte {
	b := make([]byte, m.Size())
	m.MarshalTo(b)
	return b
}

// Millis converts t to the millisecond timestamps carried on the wire.
func Millis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// Now is Millis(time.Now()).
func Now() uint64 {
	return Millis(time.Now())
}

func checkSize(name string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%s: got %d bytes, want %d: %w", name, len(b), want, ErrSize)
	}
	return nil
}
