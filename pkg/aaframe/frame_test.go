package aaframe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 5000)

	for _, maxFrag := range []int{1, 7, 100, 4096, len(payload)} {
		frames, err := Fragment(3, 0, payload, maxFrag)
		require.NoError(t, err)

		asm := NewAssembler(0)
		for _, f := range frames {
			wire, err := f.Marshal()
			require.NoError(t, err)
			require.NoError(t, asm.Write(wire))
		}

		messages, err := asm.Drain()
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, payload, messages[0].Payload, "maxFrag=%d", maxFrag)
		assert.Equal(t, byte(3), messages[0].Channel)
	}
}

func TestFragmentEmptyPayload(t *testing.T) {
	frames, err := Fragment(0, 0, nil, 16)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].First())
	assert.True(t, frames[0].Last())
}

func TestParseOneIncomplete(t *testing.T) {
	_, _, err := ParseOne([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrIncomplete)

	full := TransportFrame{Channel: 1, Flags: FlagFirstFragment | FlagLastFragment, Payload: []byte("hi")}
	wire, err := full.Marshal()
	require.NoError(t, err)

	_, _, err = ParseOne(wire[:len(wire)-1])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestAssemblerPerChannelInterleave(t *testing.T) {
	asm := NewAssembler(0)

	frames, err := Fragment(1, 0, []byte("channel-one"), 4)
	require.NoError(t, err)
	other, err := Fragment(2, 0, []byte("channel-two"), 1024)
	require.NoError(t, err)

	// Interleave channel 2's single frame in between channel 1's fragments;
	// they must not corrupt each other's reassembly.
	for i, f := range frames {
		wire, _ := f.Marshal()
		require.NoError(t, asm.Write(wire))
		if i == 0 {
			wire2, _ := other[0].Marshal()
			require.NoError(t, asm.Write(wire2))
		}
	}

	messages, err := asm.Drain()
	require.NoError(t, err)
	require.Len(t, messages, 2)

	byChannel := map[byte]Message{}
	for _, m := range messages {
		byChannel[m.Channel] = m
	}
	assert.Equal(t, "channel-one", string(byChannel[1].Payload))
	assert.Equal(t, "channel-two", string(byChannel[2].Payload))
}

func TestEncryptedFlagRoundTrip(t *testing.T) {
	frames, err := Fragment(5, FlagEncrypted, []byte("secret"), 1024)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Encrypted())

	wire, err := frames[0].Marshal()
	require.NoError(t, err)

	asm := NewAssembler(0)
	require.NoError(t, asm.Write(wire))
	messages, err := asm.Drain()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Encrypted)
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	f := TransportFrame{Channel: 0, Payload: make([]byte, MaxPayloadSize+1)}
	_, err := f.Marshal()
	assert.ErrorIs(t, err, ErrPayloadTooLong)
}
