package handshake

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the handshake messages, per the reference implementation
// (unverified against a protoc-generated catalogue; see spec.md §9).
const (
	fieldWifiStartIP   = 1
	fieldWifiStartPort = 2

	fieldWifiInfoSSID         = 1
	fieldWifiInfoPSK          = 2
	fieldWifiInfoBSSID        = 4
	fieldWifiInfoSecurityMode = 5
	fieldWifiInfoAPType       = 6

	fieldWifiStartRespStatus = 1
)

// SecurityMode mirrors the AA wireless security-mode enum.
type SecurityMode int32

// The only mode the core ever advertises.
const SecurityModeWPA2Personal SecurityMode = 2

// APType mirrors the AA wireless access-point-type enum.
type APType int32

// The only AP type the core ever advertises.
const APTypeStatic APType = 1

// WifiStartRequest carries the IP and port the phone should dial.
type WifiStartRequest struct {
	IP   string
	Port uint16
}

// Marshal encodes the message as a protobuf payload.
func (m WifiStartRequest) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldWifiStartIP, protowire.BytesType)
	buf = protowire.AppendString(buf, m.IP)
	buf = protowire.AppendTag(buf, fieldWifiStartPort, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Port))
	return buf
}

// UnmarshalWifiStartRequest decodes a WifiStartRequest payload.
func UnmarshalWifiStartRequest(b []byte) (WifiStartRequest, error) {
	var m WifiStartRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("handshake: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldWifiStartIP && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("handshake: bad ip field: %w", protowire.ParseError(n))
			}
			m.IP = s
			b = b[n:]
		case num == fieldWifiStartPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("handshake: bad port field: %w", protowire.ParseError(n))
			}
			m.Port = uint16(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("handshake: skip field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// WifiInfoResponse carries the local AP credentials, per spec.md §4.D.
type WifiInfoResponse struct {
	SSID         string
	PSK          string
	BSSID        string
	SecurityMode SecurityMode
	APType       APType
}

// Marshal encodes the message as a protobuf payload.
func (m WifiInfoResponse) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldWifiInfoSSID, protowire.BytesType)
	buf = protowire.AppendString(buf, m.SSID)
	buf = protowire.AppendTag(buf, fieldWifiInfoPSK, protowire.BytesType)
	buf = protowire.AppendString(buf, m.PSK)
	buf = protowire.AppendTag(buf, fieldWifiInfoBSSID, protowire.BytesType)
	buf = protowire.AppendString(buf, m.BSSID)
	buf = protowire.AppendTag(buf, fieldWifiInfoSecurityMode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.SecurityMode))
	buf = protowire.AppendTag(buf, fieldWifiInfoAPType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.APType))
	return buf
}

// WifiStartResponse is the phone's acknowledgement; Status==0 means success.
type WifiStartResponse struct {
	Status int32
}

// UnmarshalWifiStartResponse decodes a WifiStartResponse payload.
func UnmarshalWifiStartResponse(b []byte) (WifiStartResponse, error) {
	var m WifiStartResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("handshake: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldWifiStartRespStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("handshake: bad status field: %w", protowire.ParseError(n))
			}
			m.Status = int32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("handshake: skip field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
