// Package btprofile brings the Bluetooth adapter up and registers the two
// RFCOMM profiles the Android Auto bootstrap needs (Component C, spec.md
// §4.C), talking to BlueZ over D-Bus: org.bluez.ProfileManager1 to register
// profiles, org.bluez.Adapter1 to control adapter properties.
package btprofile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	adapterPath          = dbus.ObjectPath("/org/bluez/hci0")
	profileManager       = "/org/bluez"
	adapterIface         = "org.bluez.Adapter1"
	profileMgrIface      = "org.bluez.ProfileManager1"
	profile1Iface        = "org.bluez.Profile1"
	advertisingMgrIface  = "org.bluez.LEAdvertisingManager1"
	leAdvertisementIface = "org.bluez.LEAdvertisement1"
	deviceIface          = "org.bluez.Device1"
	objectManagerIface   = "org.freedesktop.DBus.ObjectManager"

	advertisementPath = dbus.ObjectPath("/aaproxy/advertisement/aa")
)

// UUIDs for the two profiles registered per spec.md §4.C.
const (
	UUIDAndroidAuto = "4de17a00-52cb-11e6-bdf4-0800200c9a66"
	UUIDFakeHeadset = "0000111e-0000-1000-8000-00805f9b34fb"
)

// Sentinel errors per spec.md §4.C / §7.
var (
	ErrAdapterAbsent          = errors.New("btprofile: bluetooth adapter absent")
	ErrPairRejected           = errors.New("btprofile: pairing rejected")
	ErrProfileRegisterFailed  = errors.New("btprofile: profile registration failed")
)

// ConnectTarget mirrors spec.md §3's ConnectTarget sum type.
type ConnectTarget struct {
	Mode ConnectMode
	MAC  string
}

type ConnectMode int

const (
	ConnectNone ConnectMode = iota
	ConnectAnyCachedPhone
	ConnectSpecific
)

// ParseConnectTarget interprets the config.toml "connect" string per
// spec.md §6: "" means None, the all-zero MAC means AnyCachedPhone, any
// other MAC means Specific(MAC).
func ParseConnectTarget(s string) ConnectTarget {
	switch s {
	case "":
		return ConnectTarget{Mode: ConnectNone}
	case "00:00:00:00:00:00":
		return ConnectTarget{Mode: ConnectAnyCachedPhone}
	default:
		return ConnectTarget{Mode: ConnectSpecific, MAC: s}
	}
}

// Backoff schedule for active outbound connect attempts, per spec.md §4.C.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const backoffCap = 10 * time.Second

func backoffDelay(attempt int) time.Duration {
	if attempt < len(backoffSchedule) {
		return backoffSchedule[attempt]
	}
	return backoffCap
}

// Host owns the adapter and the two registered profiles.
type Host struct {
	conn  *dbus.Conn
	alias string

	profileAA      *profileHandler
	profileHeadset *profileHandler
	advertisement  *advertisementHandler
	advertising    bool

	connectedCh chan *os.File // delivered by profileHandler.NewConnection
}

// New connects to the system D-Bus and wraps the adapter at adapterPath.
func New(alias string) (*Host, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: dbus connect: %v", ErrAdapterAbsent, err)
	}
	return &Host{conn: conn, alias: alias, connectedCh: make(chan *os.File, 1)}, nil
}

func (h *Host) adapter() dbus.BusObject {
	return h.conn.Object(bluezService, adapterPath)
}

func (h *Host) setAdapterProp(prop string, value interface{}) error {
	call := h.adapter().Call("org.freedesktop.DBus.Properties.Set", 0,
		adapterIface, prop, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrAdapterAbsent, prop, call.Err)
	}
	return nil
}

// Start powers the adapter up, sets its discoverability/pairability/alias
// per spec.md §4.C, registers both profiles (plus an LE advertisement when
// advertise is set), and either waits passively for an inbound connection or
// actively dials a target, depending on its Mode. Returns the RFCOMM
// connection to the AA profile once the phone attaches.
func (h *Host) Start(ctx context.Context, target ConnectTarget, advertise bool) (*os.File, error) {
	if err := h.setAdapterProp("Powered", true); err != nil {
		return nil, err
	}
	if err := h.setAdapterProp("Discoverable", true); err != nil {
		return nil, err
	}
	if err := h.setAdapterProp("Pairable", true); err != nil {
		return nil, err
	}
	if err := h.setAdapterProp("Alias", h.alias); err != nil {
		return nil, err
	}

	if err := h.registerProfiles(); err != nil {
		return nil, err
	}

	if advertise {
		if err := h.registerAdvertisement(); err != nil {
			return nil, err
		}
	}

	switch target.Mode {
	case ConnectNone:
		return h.waitInbound(ctx)
	case ConnectAnyCachedPhone:
		return h.activeConnectCached(ctx)
	case ConnectSpecific:
		return h.activeConnect(ctx, target.MAC)
	default:
		return h.waitInbound(ctx)
	}
}

func (h *Host) registerAdvertisement() error {
	h.advertisement = newAdvertisementHandler(h.alias)
	if err := h.conn.Export(h.advertisement, advertisementPath, leAdvertisementIface); err != nil {
		return fmt.Errorf("%w: export advertisement: %v", ErrProfileRegisterFailed, err)
	}
	if err := h.conn.Export(h.advertisement, advertisementPath, "org.freedesktop.DBus.Properties"); err != nil {
		return fmt.Errorf("%w: export advertisement properties: %v", ErrProfileRegisterFailed, err)
	}

	opts := map[string]dbus.Variant{}
	if call := h.adapter().Call(advertisingMgrIface+".RegisterAdvertisement", 0, advertisementPath, opts); call.Err != nil {
		return fmt.Errorf("%w: register advertisement: %v", ErrProfileRegisterFailed, call.Err)
	}
	h.advertising = true
	return nil
}

func (h *Host) registerProfiles() error {
	h.profileAA = newProfileHandler(h.conn, h.connectedCh)
	h.profileHeadset = newProfileHandler(h.conn, nil)

	if err := h.conn.Export(h.profileAA, "/aaproxy/profile/aa", profile1Iface); err != nil {
		return fmt.Errorf("%w: export aa profile: %v", ErrProfileRegisterFailed, err)
	}
	if err := h.conn.Export(h.profileHeadset, "/aaproxy/profile/headset", profile1Iface); err != nil {
		return fmt.Errorf("%w: export headset profile: %v", ErrProfileRegisterFailed, err)
	}

	mgr := h.conn.Object(bluezService, profileManager)
	opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("server")}
	if call := mgr.Call(profileMgrIface+".RegisterProfile", 0,
		dbus.ObjectPath("/aaproxy/profile/aa"), UUIDAndroidAuto, opts); call.Err != nil {
		return fmt.Errorf("%w: register aa profile: %v", ErrProfileRegisterFailed, call.Err)
	}
	// The fake headset profile merely needs to exist to satisfy the phone's
	// capability check (spec.md §9 Open Questions); it responds with an
	// empty capability set and is never driven for audio.
	if call := mgr.Call(profileMgrIface+".RegisterProfile", 0,
		dbus.ObjectPath("/aaproxy/profile/headset"), UUIDFakeHeadset, opts); call.Err != nil {
		return fmt.Errorf("%w: register headset profile: %v", ErrProfileRegisterFailed, call.Err)
	}
	return nil
}

func (h *Host) waitInbound(ctx context.Context) (*os.File, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-h.connectedCh:
		return conn, nil
	}
}

func (h *Host) activeConnect(ctx context.Context, mac string) (*os.File, error) {
	devicePath := dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapterPath, macToPathSegment(mac)))
	for attempt := 0; ; attempt++ {
		dev := h.conn.Object(bluezService, devicePath)
		call := dev.Call(deviceIface+".ConnectProfile", 0, UUIDAndroidAuto)
		if call.Err == nil {
			select {
			case conn := <-h.connectedCh:
				return conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				// fall through to retry; profile connect accepted but
				// RFCOMM attach never arrived
			}
		}

		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// activeConnectCached drives the same outbound ConnectProfile/backoff loop as
// activeConnect, but over every device BlueZ already has cached (the
// AnyCachedPhone mode of spec.md §3/§4.C) instead of a single fixed MAC,
// re-listing the cache on every backoff round in case a new device pairs.
func (h *Host) activeConnectCached(ctx context.Context) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		devices, err := h.cachedDevices()
		if err == nil {
			for _, devicePath := range devices {
				dev := h.conn.Object(bluezService, devicePath)
				call := dev.Call(deviceIface+".ConnectProfile", 0, UUIDAndroidAuto)
				if call.Err != nil {
					continue
				}
				select {
				case conn := <-h.connectedCh:
					return conn, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Second):
					// fall through to the next cached device, or retry
				}
			}
		}

		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// cachedDevices lists every object path under adapterPath that implements
// org.bluez.Device1, via the root object's ObjectManager.
func (h *Host) cachedDevices() ([]dbus.ObjectPath, error) {
	root := h.conn.Object(bluezService, dbus.ObjectPath("/"))
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := root.Call(objectManagerIface+".GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("btprofile: get managed objects: %w", err)
	}

	var devices []dbus.ObjectPath
	for path, ifaces := range managed {
		if _, ok := ifaces[deviceIface]; !ok {
			continue
		}
		if !strings.HasPrefix(string(path), string(adapterPath)+"/") {
			continue
		}
		devices = append(devices, path)
	}
	return devices, nil
}

func macToPathSegment(mac string) string {
	out := make([]byte, 0, len(mac))
	for i := 0; i < len(mac); i++ {
		if mac[i] == ':' {
			out = append(out, '_')
		} else {
			out = append(out, mac[i])
		}
	}
	return string(out)
}

// Stop tears the session down: unregisters profiles and, unless keepalive
// asks otherwise, powers the adapter off to free the 2.4 GHz band.
func (h *Host) Stop(keepalive bool) error {
	mgr := h.conn.Object(bluezService, profileManager)
	_ = mgr.Call(profileMgrIface+".UnregisterProfile", 0, dbus.ObjectPath("/aaproxy/profile/aa"))
	_ = mgr.Call(profileMgrIface+".UnregisterProfile", 0, dbus.ObjectPath("/aaproxy/profile/headset"))

	if h.advertising {
		_ = h.adapter().Call(advertisingMgrIface+".UnregisterAdvertisement", 0, advertisementPath)
		h.advertising = false
	}

	if keepalive {
		return nil
	}
	return h.setAdapterProp("Powered", false)
}

// Close releases the D-Bus connection.
func (h *Host) Close() error {
	return h.conn.Close()
}
