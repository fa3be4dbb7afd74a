package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// Timeout is the fixed handshake deadline per spec.md §4.D.
const Timeout = 10 * time.Second

// TCPPort is the fixed port the phone is told to dial.
const TCPPort = 5288

// Sentinel errors surfaced to the Orchestrator (spec.md §7).
var (
	ErrTimeout    = errors.New("handshake: timed out")
	ErrBadStatus  = errors.New("handshake: phone reported non-zero status")
	ErrNoAddress  = errors.New("handshake: no IPv4 address on interface")
	ErrHostapdConf = errors.New("handshake: could not read hostapd credentials")
)

// APCredentials are the fields read out of hostapd.conf for WifiInfoResponse.
type APCredentials struct {
	SSID string
	PSK  string
}

// ReadAPCredentials parses ssid and wpa_passphrase out of a hostapd.conf file.
func ReadAPCredentials(path string) (APCredentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return APCredentials{}, fmt.Errorf("%w: %v", ErrHostapdConf, err)
	}
	defer f.Close()

	var creds APCredentials
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ssid":
			creds.SSID = strings.TrimSpace(value)
		case "wpa_passphrase":
			creds.PSK = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return APCredentials{}, fmt.Errorf("%w: %v", ErrHostapdConf, err)
	}
	if creds.SSID == "" {
		return APCredentials{}, fmt.Errorf("%w: no ssid in %s", ErrHostapdConf, path)
	}
	return creds, nil
}

// InterfaceIPv4 returns the first IPv4 address bound to iface.
func InterfaceIPv4(iface string) (net.IP, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("handshake: interface %s: %w", iface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("handshake: addrs for %s: %w", iface, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAddress, iface)
}

// Channel is the RFCOMM socket the handshake runs over; btprofile supplies
// the concrete implementation.
type Channel interface {
	io.ReadWriteCloser
}

// BSSID returns the MAC address of iface, formatted as the AA wireless
// bootstrap expects it.
func BSSID(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", fmt.Errorf("handshake: interface %s: %w", iface, err)
	}
	return ifi.HardwareAddr.String(), nil
}

// Run performs the Component D exchange over ch: transmit WifiInfoResponse
// then WifiStartRequest, then wait (bounded by Timeout) for WifiStartResponse.
// Returns nil only if the phone reports status 0.
func Run(ctx context.Context, ch Channel, iface, hostapdConf string) error {
	creds, err := ReadAPCredentials(hostapdConf)
	if err != nil {
		return err
	}
	ip, err := InterfaceIPv4(iface)
	if err != nil {
		return err
	}
	bssid, err := BSSID(iface)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	info := WifiInfoResponse{
		SSID:         creds.SSID,
		PSK:          creds.PSK,
		BSSID:        bssid,
		SecurityMode: SecurityModeWPA2Personal,
		APType:       APTypeStatic,
	}
	infoMsg := ControlMessage{Channel: ControlChannel, Type: MsgTypeWifiInfoResponse, Payload: info.Marshal()}
	if err := infoMsg.WriteTo(ch); err != nil {
		return fmt.Errorf("handshake: send WifiInfoResponse: %w", err)
	}

	start := WifiStartRequest{IP: ip.String(), Port: TCPPort}
	startMsg := ControlMessage{Channel: ControlChannel, Type: MsgTypeWifiStartRequest, Payload: start.Marshal()}
	if err := startMsg.WriteTo(ch); err != nil {
		return fmt.Errorf("handshake: send WifiStartRequest: %w", err)
	}

	type result struct {
		msg ControlMessage
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		msg, err := ReadControlMessage(ch)
		resultCh <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return ErrTimeout
	case r := <-resultCh:
		if r.err != nil {
			return fmt.Errorf("handshake: read WifiStartResponse: %w", r.err)
		}
		if r.msg.Type != MsgTypeWifiStartResponse {
			return fmt.Errorf("handshake: unexpected message type %#x", uint16(r.msg.Type))
		}
		resp, err := UnmarshalWifiStartResponse(r.msg.Payload)
		if err != nil {
			return fmt.Errorf("handshake: decode WifiStartResponse: %w", err)
		}
		if resp.Status != 0 {
			return fmt.Errorf("%w: status=%d", ErrBadStatus, resp.Status)
		}
		return nil
	}
}
