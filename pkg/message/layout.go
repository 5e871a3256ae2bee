package message

import (
	"bytes"
	"encoding/binary"
	"math"
)

// writer and reader walk a packed little-endian buffer field by field.
// Callers size the buffer up front, so neither bounds-checks beyond what the
// slice expressions already do.

type writer struct {
	b   []byte
	off int
}

func (w *writer) u8(v uint8) {
	w.b[w.off] = v
	w.off++
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
}

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
}

func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

// fixed writes s into an n-byte NUL padded field. At most n-1 bytes of s are
// kept so the field is always terminated.
func (w *writer) fixed(s string, n int) {
	field := w.b[w.off : w.off+n]
	clear(field)
	if len(s) > n-1 {
		s = s[:n-1]
	}
	copy(field, s)
	w.off += n
}

func (w *writer) datum(d Datum) {
	w.f64(d.Latitude)
	w.f64(d.Longitude)
	w.f64(d.Altitude)
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) fixed(n int) string {
	field := r.b[r.off : r.off+n]
	r.off += n
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func (r *reader) datum() Datum {
	return Datum{Latitude: r.f64(), Longitude: r.f64(), Altitude: r.f64()}
}
