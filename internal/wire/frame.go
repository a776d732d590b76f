// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame on the wire. Larger declared lengths are
// treated as malformed rather than allocated.
const MaxFrameSize = 16 << 20

// EncodeFrame renders the full on-wire form of env:
// [total_length:u32][kind:u8][sender?][body]. Routed kinds carry the sender
// endpoint address between kind byte and body; handshake kinds do not.
func EncodeFrame(env Envelope) ([]byte, error) {
	kind := env.Msg.MessageKind()
	body := NewBuffer()
	if !kind.linkScoped() {
		body.WriteUint64(uint64(env.From.Participant))
		body.WriteUint16(uint16(env.From.Service))
	}
	if err := EncodeBody(body, env.Msg); err != nil {
		return nil, err
	}
	payload := body.Bytes()
	total := 1 + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedFrame, total)
	}
	out := make([]byte, 0, 4+total)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = append(out, byte(kind))
	out = append(out, payload...)
	return out, nil
}

// DecodeFrame parses one complete frame (including the length prefix).
func DecodeFrame(frame []byte) (Envelope, error) {
	if len(frame) < 5 {
		return Envelope{}, fmt.Errorf("%w: short frame", ErrMalformedFrame)
	}
	total := binary.LittleEndian.Uint32(frame)
	if int(total) != len(frame)-4 {
		return Envelope{}, fmt.Errorf("%w: declared %d, have %d", ErrMalformedFrame, total, len(frame)-4)
	}
	return decodePayload(Kind(frame[4]), frame[5:])
}

func decodePayload(kind Kind, payload []byte) (Envelope, error) {
	b := NewReadBuffer(payload)
	var env Envelope
	if !kind.linkScoped() {
		env.From.Participant = ParticipantID(b.ReadUint64())
		env.From.Service = ServiceID(b.ReadUint16())
	}
	msg, err := DecodeBody(b, kind)
	if err != nil {
		return Envelope{}, err
	}
	if b.Remaining() != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformedFrame, b.Remaining(), kind)
	}
	env.Msg = msg
	return env, nil
}

// WriteFrame encodes env and writes it to w in one call.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Envelope{}, err
	}
	total := binary.LittleEndian.Uint32(head[:])
	if total == 0 || total > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, total)
	}
	payload := make([]byte, total-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	return decodePayload(Kind(head[4]), payload)
}
