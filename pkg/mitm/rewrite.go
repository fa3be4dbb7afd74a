package mitm

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message type words and field numbers below are reverse-engineered
// approximations of the Android Auto service-discovery and sensor
// catalogue; spec.md §9 flags these as requiring validation against
// captured traffic rather than a generated schema.
const (
	msgTypeServiceDiscoveryResponse uint16 = 0x0003
	msgTypeDrivingStatus            uint16 = 0x0005
	msgTypeNavStatus                uint16 = 0x0002
	msgTypeConfig                   uint16 = 0x0008

	channelControl    byte = 0
	channelNavigation byte = 3

	// ServiceDiscoveryResponse field numbers.
	fieldServices = 2
	// Service descriptor field numbers (oneof-style numbered service kinds).
	fieldInputService       = 6
	fieldMediaSinkService   = 3
	fieldTTSSinkService     = 5
	fieldSensorService      = 9

	// InputService descriptor field numbers.
	fieldInputDisplayDensity  = 3
	fieldInputRestrictedWhile = 4 // "restricted while driving" flag

	// DrivingStatus / sensor descriptor field numbers.
	fieldVideoInMotionFlag  = 2
	fieldSensorEVCapability = 4 // EV-capability flag within the sensor service descriptor

	// Config message field numbers.
	fieldDeveloperFlag = 7
)

// RuleName identifies a rewrite-table entry, used for metrics labeling.
type RuleName string

const (
	RuleDPIOverride      RuleName = "dpi_override"
	RuleRemoveTapLock    RuleName = "remove_tap_restriction"
	RuleDisableMediaSink RuleName = "disable_media_sink"
	RuleDisableTTSSink   RuleName = "disable_tts_sink"
	RuleVideoInMotion    RuleName = "video_in_motion"
	RuleDeveloperMode    RuleName = "developer_mode"
	RuleEVCapability     RuleName = "ev_capability"
)

// RuleConfig is the closed set of feature toggles spec.md §4.H names.
type RuleConfig struct {
	DPIOverride      bool
	DPIDensity       uint64
	RemoveTapLock    bool
	DisableMediaSink bool
	DisableTTSSink   bool
	VideoInMotion    bool
	DeveloperMode    bool
	EVRouting        bool
}

// Rewrite applies the closed set of rules to a decrypted logical message.
// It returns the (possibly unmodified) payload and the name of the rule
// that fired, or "" if none did (pass-through fallback, spec.md §4.H).
//
// Implemented as a tagged switch over (channel, msgType) rather than a
// function-pointer table, per spec.md §9's auditability guidance.
func Rewrite(channel byte, msgType uint16, payload []byte, cfg RuleConfig) ([]byte, RuleName) {
	switch {
	case channel == channelControl && msgType == msgTypeServiceDiscoveryResponse:
		return rewriteServiceDiscovery(payload, cfg)
	case channel == channelControl && msgType == msgTypeDrivingStatus && cfg.VideoInMotion:
		out, changed := clearBoolField(payload, fieldVideoInMotionFlag)
		if changed {
			return out, RuleVideoInMotion
		}
	case channel == channelControl && msgType == msgTypeConfig && cfg.DeveloperMode:
		out, changed := setBoolField(payload, fieldDeveloperFlag)
		if changed {
			return out, RuleDeveloperMode
		}
	}
	return payload, ""
}

func rewriteServiceDiscovery(payload []byte, cfg RuleConfig) ([]byte, RuleName) {
	if cfg.DPIOverride {
		if out, changed := rewriteNestedVarint(payload, fieldServices, fieldInputService, fieldInputDisplayDensity, cfg.DPIDensity); changed {
			return out, RuleDPIOverride
		}
	}
	if cfg.RemoveTapLock {
		if out, changed := clearNestedBoolField(payload, fieldServices, fieldInputService, fieldInputRestrictedWhile); changed {
			return out, RuleRemoveTapLock
		}
	}
	if cfg.DisableMediaSink {
		if out, changed := stripNestedField(payload, fieldServices, fieldMediaSinkService); changed {
			return out, RuleDisableMediaSink
		}
	}
	if cfg.DisableTTSSink {
		if out, changed := stripNestedField(payload, fieldServices, fieldTTSSinkService); changed {
			return out, RuleDisableTTSSink
		}
	}
	if cfg.EVRouting {
		if out, changed := setNestedBoolField(payload, fieldServices, fieldSensorService, fieldSensorEVCapability); changed {
			return out, RuleEVCapability
		}
	}
	return payload, ""
}

// fieldEntry is one top-level (or nested) protobuf field, kept in original
// wire form so fields we don't understand pass through byte-for-byte.
type fieldEntry struct {
	num  protowire.Number
	typ  protowire.Type
	raw  []byte // the encoded value, not including the tag
}

func splitFields(b []byte) ([]fieldEntry, error) {
	var entries []fieldEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("mitm: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		vn := protowire.ConsumeFieldValue(num, typ, b)
		if vn < 0 {
			return nil, fmt.Errorf("mitm: bad field value: %w", protowire.ParseError(vn))
		}
		entries = append(entries, fieldEntry{num: num, typ: typ, raw: append([]byte(nil), b[:vn]...)})
		b = b[vn:]
	}
	return entries, nil
}

func joinFields(entries []fieldEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = protowire.AppendTag(out, e.num, e.typ)
		out = append(out, e.raw...)
	}
	return out
}

// clearBoolField zeroes a top-level varint field if present and non-zero.
func clearBoolField(payload []byte, field protowire.Number) ([]byte, bool) {
	entries, err := splitFields(payload)
	if err != nil {
		return payload, false
	}
	changed := false
	for i, e := range entries {
		if e.num == field && e.typ == protowire.VarintType {
			v, _ := protowire.ConsumeVarint(e.raw)
			if v != 0 {
				entries[i].raw = protowire.AppendVarint(nil, 0)
				changed = true
			}
		}
	}
	if !changed {
		return payload, false
	}
	return joinFields(entries), true
}

// setBoolField sets a top-level varint field to 1, inserting it if absent.
func setBoolField(payload []byte, field protowire.Number) ([]byte, bool) {
	entries, err := splitFields(payload)
	if err != nil {
		return payload, false
	}
	for i, e := range entries {
		if e.num == field && e.typ == protowire.VarintType {
			v, _ := protowire.ConsumeVarint(e.raw)
			if v != 0 {
				return payload, false
			}
			entries[i].raw = protowire.AppendVarint(nil, 1)
			return joinFields(entries), true
		}
	}
	entries = append(entries, fieldEntry{num: field, typ: protowire.VarintType, raw: protowire.AppendVarint(nil, 1)})
	return joinFields(entries), true
}

// rewriteNestedVarint walks containerField (a repeated nested message),
// finds the sub-message at nestedField, and overwrites targetField's
// varint value within it.
func rewriteNestedVarint(payload []byte, containerField, nestedField, targetField protowire.Number, value uint64) ([]byte, bool) {
	return rewriteNested(payload, containerField, nestedField, func(serviceEntries []fieldEntry) ([]fieldEntry, bool) {
		return setVarintIn(serviceEntries, targetField, value)
	})
}

// clearNestedBoolField zeroes targetField within the nested message at
// nestedField, inside every containerField-numbered entry.
func clearNestedBoolField(payload []byte, containerField, nestedField, targetField protowire.Number) ([]byte, bool) {
	return rewriteNested(payload, containerField, nestedField, func(serviceEntries []fieldEntry) ([]fieldEntry, bool) {
		return setVarintIn(serviceEntries, targetField, 0)
	})
}

// setVarintIn overwrites (or leaves untouched) targetField's varint value
// within entries, reporting whether anything changed.
func setVarintIn(entries []fieldEntry, targetField protowire.Number, value uint64) ([]fieldEntry, bool) {
	changed := false
	for i, e := range entries {
		if e.num == targetField && e.typ == protowire.VarintType {
			v, _ := protowire.ConsumeVarint(e.raw)
			if v != value {
				entries[i].raw = protowire.AppendVarint(nil, value)
				changed = true
			}
		}
	}
	return entries, changed
}

// setNestedBoolField sets targetField to 1 within the nested message at
// nestedField, inserting it if absent, inside every containerField-numbered
// entry.
func setNestedBoolField(payload []byte, containerField, nestedField, targetField protowire.Number) ([]byte, bool) {
	return rewriteNested(payload, containerField, nestedField, func(serviceEntries []fieldEntry) ([]fieldEntry, bool) {
		for i, e := range serviceEntries {
			if e.num == targetField && e.typ == protowire.VarintType {
				v, _ := protowire.ConsumeVarint(e.raw)
				if v != 0 {
					return serviceEntries, false
				}
				serviceEntries[i].raw = protowire.AppendVarint(nil, 1)
				return serviceEntries, true
			}
		}
		serviceEntries = append(serviceEntries, fieldEntry{num: targetField, typ: protowire.VarintType, raw: protowire.AppendVarint(nil, 1)})
		return serviceEntries, true
	})
}

// rewriteNested is the shared walk: decode containerField's nested message,
// locate nestedField within it, hand its fields to mutate, and re-encode
// everything if mutate reports a change.
func rewriteNested(payload []byte, containerField, nestedField protowire.Number, mutate func([]fieldEntry) ([]fieldEntry, bool)) ([]byte, bool) {
	entries, err := splitFields(payload)
	if err != nil {
		return payload, false
	}
	changed := false
	for i, e := range entries {
		if e.num != containerField || e.typ != protowire.BytesType {
			continue
		}
		nestedMsg, n := protowire.ConsumeBytes(e.raw)
		if n < 0 {
			continue
		}
		innerEntries, err := splitFields(nestedMsg)
		if err != nil {
			continue
		}
		for k, ie := range innerEntries {
			if ie.num != nestedField || ie.typ != protowire.BytesType {
				continue
			}
			serviceMsg, n := protowire.ConsumeBytes(ie.raw)
			if n < 0 {
				continue
			}
			serviceEntries, err := splitFields(serviceMsg)
			if err != nil {
				continue
			}
			newEntries, localChanged := mutate(serviceEntries)
			if !localChanged {
				continue
			}
			innerEntries[k].raw = protowire.AppendBytes(nil, joinFields(newEntries))
			changed = true
		}
		if changed {
			entries[i].raw = protowire.AppendBytes(nil, joinFields(innerEntries))
		}
	}
	if !changed {
		return payload, false
	}
	return joinFields(entries), true
}

// stripNestedField removes every occurrence of nestedField inside every
// containerField-numbered nested message.
func stripNestedField(payload []byte, containerField, nestedField protowire.Number) ([]byte, bool) {
	entries, err := splitFields(payload)
	if err != nil {
		return payload, false
	}
	changed := false
	for i, e := range entries {
		if e.num != containerField || e.typ != protowire.BytesType {
			continue
		}
		nestedMsg, n := protowire.ConsumeBytes(e.raw)
		if n < 0 {
			continue
		}
		innerEntries, err := splitFields(nestedMsg)
		if err != nil {
			continue
		}
		filtered := innerEntries[:0]
		for _, ie := range innerEntries {
			if ie.num == nestedField {
				changed = true
				continue
			}
			filtered = append(filtered, ie)
		}
		entries[i].raw = protowire.AppendBytes(nil, joinFields(filtered))
	}
	if !changed {
		return payload, false
	}
	return joinFields(entries), true
}
