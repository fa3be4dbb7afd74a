package btprofile

import (
	"os"

	"github.com/godbus/dbus/v5"
)

// profileHandler implements org.bluez.Profile1, the object BlueZ calls back
// into when a remote device connects to a registered RFCOMM profile.
type profileHandler struct {
	deliver chan<- *os.File // nil for profiles that never hand off a channel (the fake headset)
}

func newProfileHandler(conn *dbus.Conn, deliver chan<- *os.File) *profileHandler {
	return &profileHandler{deliver: deliver}
}

// NewConnection is invoked by BlueZ with the RFCOMM socket fd once a peer
// attaches to this profile.
func (p *profileHandler) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, props map[string]dbus.Variant) *dbus.Error {
	if p.deliver == nil {
		return nil
	}
	file := os.NewFile(uintptr(fd), string(device))
	select {
	case p.deliver <- file:
	default:
		// A connection already delivered and pending consumption; spec.md
		// §9 treats any further RFCOMM connect as ignored.
		file.Close()
	}
	return nil
}

// RequestDisconnection is invoked by BlueZ before it tears the RFCOMM
// channel down.
func (p *profileHandler) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	return nil
}

// Release is invoked by BlueZ when the profile is unregistered.
func (p *profileHandler) Release() *dbus.Error {
	return nil
}

// advertisementHandler implements org.bluez.LEAdvertisement1 plus the
// org.freedesktop.DBus.Properties surface BlueZ reads it through. Registered
// only when Config.Advertise is set, so the adapter broadcasts an LE
// advertisement alongside the classic BR/EDR profiles spec.md §4.C registers.
type advertisementHandler struct {
	localName string
}

func newAdvertisementHandler(localName string) *advertisementHandler {
	return &advertisementHandler{localName: localName}
}

// Release is invoked by BlueZ when the advertisement is unregistered.
func (a *advertisementHandler) Release() *dbus.Error {
	return nil
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll, which BlueZ
// calls on the advertisement object to read its Type/ServiceUUIDs/LocalName
// before broadcasting.
func (a *advertisementHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != leAdvertisementIface {
		return map[string]dbus.Variant{}, nil
	}
	return map[string]dbus.Variant{
		"Type":         dbus.MakeVariant("peripheral"),
		"ServiceUUIDs": dbus.MakeVariant([]string{UUIDAndroidAuto}),
		"LocalName":    dbus.MakeVariant(a.localName),
	}, nil
}
