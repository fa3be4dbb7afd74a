package mitm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildMessage hand-encodes a protobuf message from (field, type, raw value)
// triples, independent of this package's own splitFields/joinFields, so
// these tests don't validate the encoder against itself.
func buildMessage(fields ...fieldSpec) []byte {
	var out []byte
	for _, f := range fields {
		out = protowire.AppendTag(out, f.num, f.typ)
		out = append(out, f.raw...)
	}
	return out
}

type fieldSpec struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

func varintField(num protowire.Number, v uint64) fieldSpec {
	return fieldSpec{num: num, typ: protowire.VarintType, raw: protowire.AppendVarint(nil, v)}
}

func bytesField(num protowire.Number, content []byte) fieldSpec {
	return fieldSpec{num: num, typ: protowire.BytesType, raw: protowire.AppendBytes(nil, content)}
}

func readVarintField(t *testing.T, payload []byte, field protowire.Number) (uint64, bool) {
	t.Helper()
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		require.GreaterOrEqual(t, n, 0)
		payload = payload[n:]
		vn := protowire.ConsumeFieldValue(num, typ, payload)
		require.GreaterOrEqual(t, vn, 0)
		if num == field && typ == protowire.VarintType {
			v, _ := protowire.ConsumeVarint(payload[:vn])
			return v, true
		}
		payload = payload[vn:]
	}
	return 0, false
}

func TestRewriteVideoInMotionClearsFlag(t *testing.T) {
	payload := buildMessage(varintField(fieldVideoInMotionFlag, 1))

	out, rule := Rewrite(channelControl, msgTypeDrivingStatus, payload, RuleConfig{VideoInMotion: true})
	assert.Equal(t, RuleVideoInMotion, rule)

	v, found := readVarintField(t, out, fieldVideoInMotionFlag)
	require.True(t, found)
	assert.Equal(t, uint64(0), v)
}

func TestRewritePassesThroughWhenRuleDisabled(t *testing.T) {
	payload := buildMessage(varintField(fieldVideoInMotionFlag, 1))

	out, rule := Rewrite(channelControl, msgTypeDrivingStatus, payload, RuleConfig{VideoInMotion: false})
	assert.Equal(t, RuleName(""), rule)
	assert.Equal(t, payload, out)
}

func TestRewriteDeveloperModeSetsFlag(t *testing.T) {
	payload := buildMessage(varintField(1, 42)) // unrelated field, no developer flag present

	out, rule := Rewrite(channelControl, msgTypeConfig, payload, RuleConfig{DeveloperMode: true})
	assert.Equal(t, RuleDeveloperMode, rule)

	v, found := readVarintField(t, out, fieldDeveloperFlag)
	require.True(t, found)
	assert.Equal(t, uint64(1), v)
}

func TestRewriteUnrecognizedMessageIsPassthrough(t *testing.T) {
	payload := buildMessage(varintField(1, 7))
	out, rule := Rewrite(channelNavigation, 0xBEEF, payload, RuleConfig{})
	assert.Equal(t, RuleName(""), rule)
	assert.Equal(t, payload, out)
}

func serviceDiscoveryPayload(inputService []byte) []byte {
	service := buildMessage(bytesField(fieldInputService, inputService))
	return buildMessage(bytesField(fieldServices, service))
}

func TestRewriteServiceDiscoveryDPIOverride(t *testing.T) {
	inputService := buildMessage(varintField(fieldInputDisplayDensity, 160), varintField(fieldInputRestrictedWhile, 1))
	payload := serviceDiscoveryPayload(inputService)

	out, rule := Rewrite(channelControl, msgTypeServiceDiscoveryResponse, payload, RuleConfig{DPIOverride: true, DPIDensity: 240})
	assert.Equal(t, RuleDPIOverride, rule)

	services, _ := protowire.ConsumeBytes(mustField(t, out, fieldServices))
	inputSvc, _ := protowire.ConsumeBytes(mustField(t, services, fieldInputService))
	density, found := readVarintField(t, inputSvc, fieldInputDisplayDensity)
	require.True(t, found)
	assert.Equal(t, uint64(240), density)
}

func TestRewriteServiceDiscoveryRemoveTapLock(t *testing.T) {
	inputService := buildMessage(varintField(fieldInputDisplayDensity, 160), varintField(fieldInputRestrictedWhile, 1))
	payload := serviceDiscoveryPayload(inputService)

	out, rule := Rewrite(channelControl, msgTypeServiceDiscoveryResponse, payload, RuleConfig{RemoveTapLock: true})
	assert.Equal(t, RuleRemoveTapLock, rule)

	services, _ := protowire.ConsumeBytes(mustField(t, out, fieldServices))
	inputSvc, _ := protowire.ConsumeBytes(mustField(t, services, fieldInputService))
	restricted, found := readVarintField(t, inputSvc, fieldInputRestrictedWhile)
	require.True(t, found)
	assert.Equal(t, uint64(0), restricted)
}

func TestRewriteServiceDiscoveryDisableMediaSink(t *testing.T) {
	mediaSink := buildMessage(varintField(1, 1))
	service := buildMessage(bytesField(fieldMediaSinkService, mediaSink))
	payload := buildMessage(bytesField(fieldServices, service))

	out, rule := Rewrite(channelControl, msgTypeServiceDiscoveryResponse, payload, RuleConfig{DisableMediaSink: true})
	assert.Equal(t, RuleDisableMediaSink, rule)

	services, _ := protowire.ConsumeBytes(mustField(t, out, fieldServices))
	entries, err := splitFields(services)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, protowire.Number(fieldMediaSinkService), e.num)
	}
}

func TestRewriteServiceDiscoveryEVCapability(t *testing.T) {
	sensorService := buildMessage(varintField(1, 0)) // unrelated field, no EV flag present
	service := buildMessage(bytesField(fieldSensorService, sensorService))
	payload := buildMessage(bytesField(fieldServices, service))

	out, rule := Rewrite(channelControl, msgTypeServiceDiscoveryResponse, payload, RuleConfig{EVRouting: true})
	assert.Equal(t, RuleEVCapability, rule)

	services, _ := protowire.ConsumeBytes(mustField(t, out, fieldServices))
	sensorSvc, _ := protowire.ConsumeBytes(mustField(t, services, fieldSensorService))
	ev, found := readVarintField(t, sensorSvc, fieldSensorEVCapability)
	require.True(t, found)
	assert.Equal(t, uint64(1), ev)
}

func TestRewriteServiceDiscoveryNoRulesIsPassthrough(t *testing.T) {
	inputService := buildMessage(varintField(fieldInputDisplayDensity, 160))
	payload := serviceDiscoveryPayload(inputService)

	out, rule := Rewrite(channelControl, msgTypeServiceDiscoveryResponse, payload, RuleConfig{})
	assert.Equal(t, RuleName(""), rule)
	assert.Equal(t, payload, out)
}

// mustField returns the raw (length-prefixed, for bytes fields) bytes of the
// given top-level field number within payload.
func mustField(t *testing.T, payload []byte, field protowire.Number) []byte {
	t.Helper()
	entries, err := splitFields(payload)
	require.NoError(t, err)
	for _, e := range entries {
		if e.num == field {
			return e.raw
		}
	}
	t.Fatalf("field %d not found", field)
	return nil
}
