package uevent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCoalescesDuplicateEdges(t *testing.T) {
	l := &Listener{devicePath: "/dev/usb_accessory"}
	out := make(chan Event, 4)

	addMsg := ueventMsg("add", "usb_accessory")
	l.dispatch(addMsg, out)
	l.dispatch(addMsg, out) // duplicate "add"; must be dropped

	require.Len(t, out, 1)
	ev := <-out
	assert.Equal(t, EventReady, ev.Kind)

	removeMsg := ueventMsg("remove", "usb_accessory")
	l.dispatch(removeMsg, out)
	l.dispatch(removeMsg, out) // duplicate "remove"; must be dropped

	require.Len(t, out, 1)
	ev = <-out
	assert.Equal(t, EventGone, ev.Kind)
}

func TestDispatchIgnoresUnrelatedDevices(t *testing.T) {
	l := &Listener{devicePath: "/dev/usb_accessory"}
	out := make(chan Event, 1)

	l.dispatch(ueventMsg("add", "ttyUSB0"), out)
	assert.Len(t, out, 0)
}

func TestPollFindsExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usb_accessory")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	ev, err := Poll(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, EventReady, ev.Kind)
	assert.Equal(t, path, ev.Path)
}

func TestPollReturnsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-appears")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Poll(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ueventMsg builds a minimal NUL-separated netlink uevent datagram.
func ueventMsg(action, devname string) []byte {
	parts := []string{
		"add@/devices/virtual/usb/" + devname,
		"ACTION=" + action,
		"DEVNAME=" + devname,
	}
	var buf []byte
	for _, p := range parts {
		buf = append(buf, []byte(p)...)
		buf = append(buf, 0)
	}
	return buf
}
