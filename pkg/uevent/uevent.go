// Package uevent subscribes to the kernel netlink-uevent socket (Component
// B, spec.md §4.B) and emits typed events when the accessory device node
// appears or disappears. Falls back to bounded polling of the expected
// device path if the netlink socket cannot be opened.
package uevent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// EventKind distinguishes device arrival from departure.
type EventKind int

const (
	EventReady EventKind = iota
	EventGone
)

// Event is a coalesced device-state edge.
type Event struct {
	Kind EventKind
	Path string
}

// Polling fallback parameters per spec.md §4.B.
const (
	PollInterval = 200 * time.Millisecond
	PollCap      = 15 * time.Second
)

// ErrSocketUnavailable indicates the netlink uevent socket could not be
// opened; callers should fall back to Poll.
var ErrSocketUnavailable = errors.New("uevent: netlink socket unavailable")

// Listener watches for kernel uevents naming devicePath.
type Listener struct {
	fd          int
	devicePath  string
	lastPresent bool
}

// NewListener opens a netlink NETLINK_KOBJECT_UEVENT socket filtering for
// devicePath (e.g. "/dev/usb_accessory").
func NewListener(devicePath string) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketUnavailable, err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrSocketUnavailable, err)
	}
	return &Listener{fd: fd, devicePath: devicePath}, nil
}

// Close releases the netlink socket.
func (l *Listener) Close() error {
	if l.fd == 0 {
		return nil
	}
	return unix.Close(l.fd)
}

// Run reads uevent datagrams until ctx is canceled, sending coalesced
// Events to out. Duplicate edges (two "ready" in a row) are dropped; only
// the latest state is ever forwarded, per the back-pressure policy of
// spec.md §4.B.
func (l *Listener) Run(ctx context.Context, out chan<- Event) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		<-ctx.Done()
		unix.Close(l.fd)
	}()

	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("uevent: recv: %w", err)
			}
		}
		l.dispatch(buf[:n], out)
	}
}

func (l *Listener) dispatch(msg []byte, out chan<- Event) {
	fields := strings.Split(string(msg), "\x00")
	var action, devnode string
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "ACTION="):
			action = strings.TrimPrefix(f, "ACTION=")
		case strings.HasPrefix(f, "DEVNAME="):
			devnode = "/dev/" + strings.TrimPrefix(f, "DEVNAME=")
		}
	}
	if devnode != l.devicePath {
		return
	}

	present := action == "add" || action == "bind"
	if present == l.lastPresent {
		return
	}
	l.lastPresent = present

	kind := EventGone
	if present {
		kind = EventReady
	}
	select {
	case out <- Event{Kind: kind, Path: l.devicePath}:
	default:
	}
}

// Poll is the fallback path when the netlink socket cannot be opened: it
// stats devicePath every PollInterval, up to PollCap total, and returns an
// EventReady if the path appears.
func Poll(ctx context.Context, devicePath string) (Event, error) {
	deadline := time.Now().Add(PollCap)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(devicePath); err == nil {
			return Event{Kind: EventReady, Path: devicePath}, nil
		}
		if time.Now().After(deadline) {
			return Event{}, fmt.Errorf("uevent: poll timeout waiting for %s", devicePath)
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
