// Package handshake implements the Android Auto wireless bootstrap exchange
// (Component D, spec.md §4.D): the ControlMessage envelope used on the AA
// RFCOMM channel, and the WifiInfoResponse/WifiStartRequest/WifiStartResponse
// messages carried inside it.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies the protobuf payload carried by a ControlMessage.
type MsgType uint16

// Message type words observed on the AA RFCOMM control channel. Field
// numbers and exact values are derived from reverse-engineered reference
// projects; validate against captured traffic before relying on them (see
// spec.md §9 Open Questions).
const (
	MsgTypeWifiStartRequest  MsgType = 0x0001
	MsgTypeWifiInfoResponse  MsgType = 0x0002
	MsgTypeWifiStartResponse MsgType = 0x0003
)

// ControlChannel is the fixed RFCOMM control channel ID used for handshake
// envelopes (distinct from the AA transport-frame channel numbering).
const ControlChannel = 0

// envelopeHeaderSize is [u16 channel_id][u8 flags][u16 msg_type][u16 payload_len].
const envelopeHeaderSize = 7

// ErrEnvelopeTooLarge is returned when a payload exceeds the 16-bit length field.
var ErrEnvelopeTooLarge = errors.New("handshake: envelope payload too large")

// ControlMessage is a single length-prefixed, protobuf-encoded handshake
// message per spec.md §3.
type ControlMessage struct {
	Channel uint16
	Flags   byte
	Type    MsgType
	Payload []byte
}

// Marshal serializes the envelope to its wire form.
func (m ControlMessage) Marshal() ([]byte, error) {
	if len(m.Payload) > 0xFFFF {
		return nil, ErrEnvelopeTooLarge
	}
	buf := make([]byte, envelopeHeaderSize+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], m.Channel)
	buf[2] = m.Flags
	binary.BigEndian.PutUint16(buf[3:5], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(m.Payload)))
	copy(buf[envelopeHeaderSize:], m.Payload)
	return buf, nil
}

// WriteTo writes the envelope to w as a single call.
func (m ControlMessage) WriteTo(w io.Writer) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadControlMessage reads one complete envelope from r, blocking until the
// header and payload have both arrived.
func ReadControlMessage(r io.Reader) (ControlMessage, error) {
	header := make([]byte, envelopeHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return ControlMessage{}, fmt.Errorf("handshake: read envelope header: %w", err)
	}

	m := ControlMessage{
		Channel: binary.BigEndian.Uint16(header[0:2]),
		Flags:   header[2],
		Type:    MsgType(binary.BigEndian.Uint16(header[3:5])),
	}
	length := binary.BigEndian.Uint16(header[5:7])
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return ControlMessage{}, fmt.Errorf("handshake: read envelope payload: %w", err)
		}
	}
	return m, nil
}
