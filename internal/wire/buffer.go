// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package wire implements the bit-exact codec for every message kind: a
// little-endian, length-prefixed byte layout framed as
// [total_length:u32][kind:u8][body].
package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"time"
)

var (
	// ErrMalformedFrame signals a decode that would exceed the declared
	// frame length or otherwise violates the byte layout.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrUnknownKind signals a frame with an unrecognized kind byte.
	ErrUnknownKind = errors.New("wire: unknown message kind")
)

// Buffer is a cursor over an encode or decode pass. Errors are sticky: the
// first failure poisons the buffer and every later operation is a no-op, so
// serdes code can run straight-line and check Err once.
type Buffer struct {
	data []byte
	pos  int
	err  error
}

// NewBuffer returns an empty encode buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewReadBuffer returns a decode cursor over data.
func NewReadBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the encoded payload.
func (b *Buffer) Bytes() []byte { return b.data }

// Err returns the sticky error, if any.
func (b *Buffer) Err() error { return b.err }

// Remaining reports how many undecoded bytes are left.
func (b *Buffer) Remaining() int { return len(b.data) - b.pos }

func (b *Buffer) fail() {
	if b.err == nil {
		b.err = ErrMalformedFrame
	}
}

func (b *Buffer) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || b.pos+n > len(b.data) {
		b.fail()
		return nil
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out
}

func (b *Buffer) WriteUint8(v uint8) {
	if b.err != nil {
		return
	}
	b.data = append(b.data, v)
}

func (b *Buffer) ReadUint8() uint8 {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *Buffer) WriteUint16(v uint16) {
	if b.err != nil {
		return
	}
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
}

func (b *Buffer) ReadUint16() uint16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (b *Buffer) WriteUint32(v uint32) {
	if b.err != nil {
		return
	}
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

func (b *Buffer) ReadUint32() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (b *Buffer) WriteUint64(v uint64) {
	if b.err != nil {
		return
	}
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
}

func (b *Buffer) ReadUint64() uint64 {
	p := b.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (b *Buffer) WriteInt64(v int64) { b.WriteUint64(uint64(v)) }

func (b *Buffer) ReadInt64() int64 { return int64(b.ReadUint64()) }

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
	} else {
		b.WriteUint8(0)
	}
}

func (b *Buffer) ReadBool() bool {
	switch b.ReadUint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		b.fail()
		return false
	}
}

// WriteDuration encodes a signed 64-bit nanosecond count.
func (b *Buffer) WriteDuration(d time.Duration) { b.WriteInt64(int64(d)) }

func (b *Buffer) ReadDuration() time.Duration { return time.Duration(b.ReadInt64()) }

func (b *Buffer) WriteString(s string) {
	if b.err != nil {
		return
	}
	if len(s) > math.MaxUint32 {
		b.fail()
		return
	}
	b.WriteUint32(uint32(len(s)))
	b.data = append(b.data, s...)
}

func (b *Buffer) ReadString() string {
	n := b.ReadUint32()
	p := b.take(int(n))
	if p == nil {
		return ""
	}
	return string(p)
}

func (b *Buffer) WriteBytes(p []byte) {
	if b.err != nil {
		return
	}
	if len(p) > math.MaxUint32 {
		b.fail()
		return
	}
	b.WriteUint32(uint32(len(p)))
	b.data = append(b.data, p...)
}

func (b *Buffer) ReadBytes() []byte {
	n := b.ReadUint32()
	if n == 0 {
		return nil
	}
	p := b.take(int(n))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// WriteOptionalString encodes a one-byte presence tag followed by the value.
func (b *Buffer) WriteOptionalString(s *string) {
	if s == nil {
		b.WriteBool(false)
		return
	}
	b.WriteBool(true)
	b.WriteString(*s)
}

func (b *Buffer) ReadOptionalString() *string {
	if !b.ReadBool() {
		return nil
	}
	s := b.ReadString()
	if b.err != nil {
		return nil
	}
	return &s
}

func (b *Buffer) WriteStringSlice(ss []string) {
	if b.err != nil {
		return
	}
	if len(ss) > math.MaxUint32 {
		b.fail()
		return
	}
	b.WriteUint32(uint32(len(ss)))
	for _, s := range ss {
		b.WriteString(s)
	}
}

func (b *Buffer) ReadStringSlice() []string {
	n := b.ReadUint32()
	if b.err != nil || n == 0 {
		return nil
	}
	// A string needs at least its 4-byte length on the wire.
	if int(n) > b.Remaining()/4+1 {
		b.fail()
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, b.ReadString())
		if b.err != nil {
			return nil
		}
	}
	return out
}

func (b *Buffer) WriteStringMap(m map[string]string) {
	if b.err != nil {
		return
	}
	b.WriteUint32(uint32(len(m)))
	for _, k := range sortedKeys(m) {
		b.WriteString(k)
		b.WriteString(m[k])
	}
}

func (b *Buffer) ReadStringMap() map[string]string {
	n := b.ReadUint32()
	if b.err != nil || n == 0 {
		return nil
	}
	if int(n) > b.Remaining()/8+1 {
		b.fail()
		return nil
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k := b.ReadString()
		v := b.ReadString()
		if b.err != nil {
			return nil
		}
		out[k] = v
	}
	return out
}

// sortedKeys keeps map encoding deterministic so encode(m) is stable.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
