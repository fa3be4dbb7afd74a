package mitm

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/aa-proxy/aa-proxy-go/pkg/aaframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVersionFrame(t *testing.T) {
	req := make([]byte, 2)
	binary.BigEndian.PutUint16(req, versionRequest)
	assert.True(t, isVersionFrame(aaframe.TransportFrame{Payload: req}))

	resp := make([]byte, 2)
	binary.BigEndian.PutUint16(resp, versionResponse)
	assert.True(t, isVersionFrame(aaframe.TransportFrame{Payload: resp}))

	other := make([]byte, 2)
	binary.BigEndian.PutUint16(other, 0x1234)
	assert.False(t, isVersionFrame(aaframe.TransportFrame{Payload: other}))

	assert.False(t, isVersionFrame(aaframe.TransportFrame{Payload: []byte{0x01}}))
}

func TestReadOneFrameRoundTrip(t *testing.T) {
	req := make([]byte, 2)
	binary.BigEndian.PutUint16(req, versionRequest)
	original := aaframe.TransportFrame{Channel: 0, Flags: aaframe.FlagFirstFragment | aaframe.FlagLastFragment, Payload: req}
	wire, err := original.Marshal()
	require.NoError(t, err)

	a, b := net.Pipe()
	go func() { _, _ = a.Write(wire) }()

	got, err := readOneFrame(b)
	require.NoError(t, err)
	assert.Equal(t, original.Channel, got.Channel)
	assert.Equal(t, original.Flags, got.Flags)
	assert.Equal(t, original.Payload, got.Payload)
}

func TestBypassVersionExchangeForwardsBothWays(t *testing.T) {
	phoneNear, phoneFar := net.Pipe()
	huNear, huFar := net.Pipe()

	phoneReq := make([]byte, 2)
	binary.BigEndian.PutUint16(phoneReq, versionRequest)
	phoneFrame := aaframe.TransportFrame{Channel: 0, Flags: aaframe.FlagFirstFragment | aaframe.FlagLastFragment, Payload: phoneReq}
	phoneWire, err := phoneFrame.Marshal()
	require.NoError(t, err)

	huResp := make([]byte, 2)
	binary.BigEndian.PutUint16(huResp, versionResponse)
	huFrame := aaframe.TransportFrame{Channel: 0, Flags: aaframe.FlagFirstFragment | aaframe.FlagLastFragment, Payload: huResp}
	huWire, err := huFrame.Marshal()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- bypassVersionExchange(phoneNear, huNear) }()

	// Phone sends its version request; bypass must relay it to HU verbatim.
	go func() { _, _ = phoneFar.Write(phoneWire) }()
	gotOnHU := make([]byte, len(phoneWire))
	huFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(huFar, gotOnHU)
	require.NoError(t, err)
	assert.Equal(t, phoneWire, gotOnHU)

	// HU responds; bypass must relay it back to the phone verbatim.
	go func() { _, _ = huFar.Write(huWire) }()
	gotOnPhone := make([]byte, len(huWire))
	phoneFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(phoneFar, gotOnPhone)
	require.NoError(t, err)
	assert.Equal(t, huWire, gotOnPhone)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bypassVersionExchange did not return")
	}
}

func TestInterceptorRewritePassesThroughShortPayload(t *testing.T) {
	in := &Interceptor{}
	msg := aaframe.Message{Channel: channelControl, Payload: []byte{0x01}}
	out, rule := in.rewrite(msg)
	assert.Equal(t, RuleName(""), rule)
	assert.Equal(t, msg.Payload, out)
}

func TestInterceptorRewriteAppliesRule(t *testing.T) {
	in := &Interceptor{Rules: RuleConfig{VideoInMotion: true}}

	body := make([]byte, 0)
	body = appendVarintFieldForTest(body, fieldVideoInMotionFlag, 1)

	payload := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(payload[:2], msgTypeDrivingStatus)
	copy(payload[2:], body)

	msg := aaframe.Message{Channel: channelControl, Payload: payload}
	out, rule := in.rewrite(msg)
	assert.Equal(t, RuleVideoInMotion, rule)
	assert.NotEqual(t, payload, out)
	assert.Equal(t, msgTypeDrivingStatus, binary.BigEndian.Uint16(out[:2]))
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func appendVarintFieldForTest(buf []byte, field int, value uint64) []byte {
	tag := uint64(field)<<3 | 0
	buf = appendVarintForTest(buf, tag)
	return appendVarintForTest(buf, value)
}

func appendVarintForTest(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
