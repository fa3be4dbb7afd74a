package pump

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeClosed, classify(io.EOF))
	assert.Equal(t, OutcomeClosed, classify(syscall.ECONNRESET))
	assert.Equal(t, OutcomeClosed, classify(syscall.EPIPE))
	assert.Equal(t, OutcomeUSBGone, classify(syscall.ENODEV))
	assert.Equal(t, OutcomeClosed, classify(errors.New("some other I/O failure")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "STALL", OutcomeStall.String())
	assert.Equal(t, "CLOSED", OutcomeClosed.String())
	assert.Equal(t, "USB_GONE", OutcomeUSBGone.String())
	assert.Equal(t, "UNKNOWN", OutcomeUnknown.String())
}

func TestStatsSnapshotIsCopyable(t *testing.T) {
	var s Stats
	s.BytesPhoneToHU.Store(10)
	s.BytesHUToPhone.Store(20)
	s.touch()

	snap := s.Snapshot()
	assert.Equal(t, int64(10), snap.BytesPhoneToHU)
	assert.Equal(t, int64(20), snap.BytesHUToPhone)
	assert.NotZero(t, snap.LastProgress)
}

func TestRunForwardsBothDirectionsAndDetectsClose(t *testing.T) {
	phoneNear, phoneFar := net.Pipe()
	huNear, huFar := net.Pipe()

	var stats Stats
	p := New(phoneNear, huNear, &stats, 2*time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcomeCh := make(chan Outcome, 1)
	go func() { outcomeCh <- p.Run(ctx) }()

	// Phone -> HU: the real phone writes, the real HU should read it back.
	go func() { _, _ = phoneFar.Write([]byte("hello-hu")) }()
	buf := make([]byte, 8)
	huFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(huFar, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-hu", string(buf[:n]))

	// HU -> Phone: the real HU writes, the real phone should read it back.
	go func() { _, _ = huFar.Write([]byte("hi-phone")) }()
	buf2 := make([]byte, 8)
	phoneFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	n2, err := io.ReadFull(phoneFar, buf2)
	require.NoError(t, err)
	assert.Equal(t, "hi-phone", string(buf2[:n2]))

	// Closing the remote phone end surfaces as EOF on the near phone pipe,
	// which the phone->hu direction goroutine reports as a closed peer.
	phoneFar.Close()

	select {
	case outcome := <-outcomeCh:
		assert.Equal(t, OutcomeClosed, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}

	assert.EqualValues(t, 8, stats.BytesPhoneToHU.Load())
	assert.EqualValues(t, 8, stats.BytesHUToPhone.Load())
}

func TestRunDetectsStall(t *testing.T) {
	phoneNear, _ := net.Pipe()
	huNear, _ := net.Pipe()

	var stats Stats
	p := New(phoneNear, huNear, &stats, 50*time.Millisecond, 0)

	outcome := p.Run(context.Background())
	assert.Equal(t, OutcomeStall, outcome)
}
