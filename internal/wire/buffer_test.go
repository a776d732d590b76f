// SPDX-License-Identifier: MIT
package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPrimitives(t *testing.T) {
	b := NewBuffer()
	b.WriteUint8(0xAB)
	b.WriteUint16(0x1234)
	b.WriteUint32(0xDEADBEEF)
	b.WriteUint64(0x0102030405060708)
	b.WriteInt64(-42)
	b.WriteBool(true)
	b.WriteDuration(1500 * time.Millisecond)
	b.WriteString("hello")
	b.WriteBytes([]byte{1, 2, 3})
	require.NoError(t, b.Err())

	r := NewReadBuffer(b.Bytes())
	assert.Equal(t, uint8(0xAB), r.ReadUint8())
	assert.Equal(t, uint16(0x1234), r.ReadUint16())
	assert.Equal(t, uint32(0xDEADBEEF), r.ReadUint32())
	assert.Equal(t, uint64(0x0102030405060708), r.ReadUint64())
	assert.Equal(t, int64(-42), r.ReadInt64())
	assert.True(t, r.ReadBool())
	assert.Equal(t, 1500*time.Millisecond, r.ReadDuration())
	assert.Equal(t, "hello", r.ReadString())
	assert.Equal(t, []byte{1, 2, 3}, r.ReadBytes())
	require.NoError(t, r.Err())
	assert.Zero(t, r.Remaining())
}

func TestBufferLittleEndianLayout(t *testing.T) {
	b := NewBuffer()
	b.WriteUint32(1)
	assert.Equal(t, []byte{1, 0, 0, 0}, b.Bytes())
}

func TestBufferStickyError(t *testing.T) {
	r := NewReadBuffer([]byte{0xFF})
	_ = r.ReadUint32()
	require.ErrorIs(t, r.Err(), ErrMalformedFrame)
	// Later reads stay poisoned and return zero values.
	assert.Zero(t, r.ReadUint64())
	assert.Empty(t, r.ReadString())
}

func TestBufferBoolRejectsJunk(t *testing.T) {
	r := NewReadBuffer([]byte{7})
	_ = r.ReadBool()
	require.ErrorIs(t, r.Err(), ErrMalformedFrame)
}

func TestOptionalStringPresence(t *testing.T) {
	s := "why"
	b := NewBuffer()
	b.WriteOptionalString(nil)
	b.WriteOptionalString(&s)
	require.NoError(t, b.Err())

	r := NewReadBuffer(b.Bytes())
	assert.Nil(t, r.ReadOptionalString())
	got := r.ReadOptionalString()
	require.NotNil(t, got)
	assert.Equal(t, "why", *got)
}

func TestStringMapDeterministicEncoding(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	b1 := NewBuffer()
	b1.WriteStringMap(m)
	b2 := NewBuffer()
	b2.WriteStringMap(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, b1.Bytes(), b2.Bytes())
}
