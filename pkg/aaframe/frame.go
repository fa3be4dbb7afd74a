// Package aaframe implements the Android Auto wire framing used on the
// bulk/TCP data path once the handshake has completed: the transport frame
// envelope, its fragmentation rules, and a streaming assembler that turns a
// raw byte stream into complete logical frames.
//
// The assembler follows the same "feed bytes, pull complete packets" shape
// as a length-prefixed stream parser: callers Write() incoming bytes and
// then drain whatever complete frames are now available.
package aaframe

import (
	"encoding/binary"
	"errors"
)

// Flag bits within a TransportFrame header.
const (
	FlagFirstFragment byte = 1 << 0
	FlagLastFragment  byte = 1 << 1
	FlagEncrypted     byte = 1 << 3
)

// Common framing errors.
var (
	ErrIncomplete     = errors.New("aaframe: incomplete frame")
	ErrPayloadTooLong = errors.New("aaframe: payload exceeds max frame size")
	ErrBufferOverflow = errors.New("aaframe: assembly buffer overflow")
)

// MaxPayloadSize is the largest payload describable by the 16-bit
// big-endian length field in a TransportFrame header.
const MaxPayloadSize = 0xFFFF

// headerSize is the fixed TransportFrame header: channel, flags, length.
const headerSize = 4

// TransportFrame is a single Android Auto session-layer frame as carried on
// the phone TCP socket / accessory bulk endpoint, per spec §3.
type TransportFrame struct {
	Channel byte
	Flags   byte
	Payload []byte
}

// Encrypted reports whether the encrypted flag is set.
func (f TransportFrame) Encrypted() bool { return f.Flags&FlagEncrypted != 0 }

// First reports whether this frame is the first fragment of a logical message.
func (f TransportFrame) First() bool { return f.Flags&FlagFirstFragment != 0 }

// Last reports whether this frame is the last (or only) fragment.
func (f TransportFrame) Last() bool { return f.Flags&FlagLastFragment != 0 }

// Marshal serializes the frame to its wire representation.
func (f TransportFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLong
	}
	out := make([]byte, headerSize+len(f.Payload))
	out[0] = f.Channel
	out[1] = f.Flags
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.Payload)))
	copy(out[4:], f.Payload)
	return out, nil
}

// ParseOne extracts a single TransportFrame from the front of buf, returning
// the frame, the unconsumed remainder, and ErrIncomplete if buf does not yet
// hold a full frame.
func ParseOne(buf []byte) (frame TransportFrame, remaining []byte, err error) {
	if len(buf) < headerSize {
		return TransportFrame{}, buf, ErrIncomplete
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	total := headerSize + length
	if len(buf) < total {
		return TransportFrame{}, buf, ErrIncomplete
	}
	payload := make([]byte, length)
	copy(payload, buf[headerSize:total])
	frame = TransportFrame{
		Channel: buf[0],
		Flags:   buf[1],
		Payload: payload,
	}
	return frame, buf[total:], nil
}

// Fragment splits payload into TransportFrames of at most maxFragment bytes
// each, setting the first/last fragment flags appropriately. A payload that
// fits in a single fragment gets both bits set. baseFlags carries flags that
// apply to every fragment (e.g. FlagEncrypted); the fragment bits are ORed
// in on top.
func Fragment(channel byte, baseFlags byte, payload []byte, maxFragment int) ([]TransportFrame, error) {
	if maxFragment <= 0 || maxFragment > MaxPayloadSize {
		maxFragment = MaxPayloadSize
	}
	if len(payload) == 0 {
		return []TransportFrame{{
			Channel: channel,
			Flags:   baseFlags | FlagFirstFragment | FlagLastFragment,
			Payload: nil,
		}}, nil
	}

	var frames []TransportFrame
	for offset := 0; offset < len(payload); offset += maxFragment {
		end := offset + maxFragment
		if end > len(payload) {
			end = len(payload)
		}
		flags := baseFlags
		if offset == 0 {
			flags |= FlagFirstFragment
		}
		if end == len(payload) {
			flags |= FlagLastFragment
		}
		chunk := make([]byte, end-offset)
		copy(chunk, payload[offset:end])
		frames = append(frames, TransportFrame{Channel: channel, Flags: flags, Payload: chunk})
	}
	return frames, nil
}

// Assembler buffers incoming bytes on one direction of the transport
// framing and reassembles fragmented logical messages.
//
// Fragment sequences are tracked per channel: frames of other channels may
// arrive between one channel's fragments, and each channel's message is
// emitted when its own last fragment arrives.
type Assembler struct {
	maxSize int
	buf     []byte

	pending     map[byte][]byte // channel -> accumulated payload of an in-progress fragment sequence
	fragmentLen map[byte]int    // channel -> size of the largest fragment in the in-progress sequence
}

// NewAssembler creates an Assembler with the given maximum buffered size.
func NewAssembler(maxSize int) *Assembler {
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	return &Assembler{
		maxSize:     maxSize,
		pending:     make(map[byte][]byte),
		fragmentLen: make(map[byte]int),
	}
}

// Write appends newly received bytes to the assembly buffer.
func (a *Assembler) Write(data []byte) error {
	if len(a.buf)+len(data) > a.maxSize {
		return ErrBufferOverflow
	}
	a.buf = append(a.buf, data...)
	return nil
}

// Message is a fully reassembled logical Android Auto message: the channel
// it arrived on, whether it was received encrypted, and its complete
// payload (concatenated across fragments).
type Message struct {
	Channel     byte
	Encrypted   bool
	Payload     []byte
	FragmentLen int // size of the largest inbound fragment; re-fragmentation should match it
}

// Drain extracts every complete logical message currently available,
// consuming bytes from the internal buffer. Incomplete fragment sequences
// remain pending across calls.
func (a *Assembler) Drain() ([]Message, error) {
	var messages []Message
	for {
		frame, remaining, err := ParseOne(a.buf)
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			return messages, err
		}
		a.buf = remaining

		acc, wasPending := a.pending[frame.Channel]
		if frame.First() && !wasPending {
			acc = nil
		}
		acc = append(acc, frame.Payload...)

		if len(frame.Payload) > a.fragmentLen[frame.Channel] {
			a.fragmentLen[frame.Channel] = len(frame.Payload)
		}

		if frame.Last() {
			delete(a.pending, frame.Channel)
			fragLen := a.fragmentLen[frame.Channel]
			delete(a.fragmentLen, frame.Channel)
			messages = append(messages, Message{
				Channel:     frame.Channel,
				Encrypted:   frame.Encrypted(),
				Payload:     acc,
				FragmentLen: fragLen,
			})
		} else {
			a.pending[frame.Channel] = acc
		}
	}
	return messages, nil
}

// Reset clears all buffered and pending state.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.pending = make(map[byte][]byte)
	a.fragmentLen = make(map[byte]int)
}
