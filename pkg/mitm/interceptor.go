package mitm

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/aa-proxy/aa-proxy-go/pkg/aaframe"
	"github.com/aa-proxy/aa-proxy-go/pkg/battery"
	"github.com/aa-proxy/aa-proxy-go/pkg/logger"
	"github.com/aa-proxy/aa-proxy-go/pkg/metrics"
	"github.com/aa-proxy/aa-proxy-go/pkg/pump"
)

// versionRequest and versionResponse are the plaintext message type words
// exchanged verbatim before TLS starts (spec.md §4.H). They share their
// wire values with the handshake control messages by design.
const (
	versionRequest  uint16 = 0x0001
	versionResponse uint16 = 0x0003
)

// Sentinel errors for the spec.md §7 kinds. Run logs failures and reports
// every one of them to its caller as pump.OutcomeClosed; the error kind
// itself is not passed on.
var (
	ErrTLSHandshakeFailed = errors.New("mitm: tls handshake failed")
	ErrFrameMalformed     = errors.New("mitm: frame malformed")
)

// Interceptor terminates both TLS sessions and rewrites frames in flight.
type Interceptor struct {
	Identities Identities
	Rules      RuleConfig
	Stats      *pump.Stats
	Battery    *battery.Store
	Log        *logger.Logger
}

// Run bridges phone (the TCP socket) and hu (the accessory fd): forwards
// the plaintext version exchange, starts TLS on each side, then reassembles,
// rewrites, and re-emits frames in both directions until either side
// closes or ctx is canceled.
func (in *Interceptor) Run(ctx context.Context, phone net.Conn, hu io.ReadWriteCloser) pump.Outcome {
	huConn := asConn(hu)

	if err := bypassVersionExchange(phone, huConn); err != nil {
		in.logf("version exchange failed: %v", err)
		return pump.OutcomeClosed
	}

	huTLSCfg, err := in.Identities.huTLSConfig()
	if err != nil {
		in.logf("hu tls config: %v", err)
		return pump.OutcomeClosed
	}
	mdTLSCfg, err := in.Identities.mdTLSConfig()
	if err != nil {
		in.logf("md tls config: %v", err)
		return pump.OutcomeClosed
	}

	huTLS := tls.Server(huConn, huTLSCfg)
	mdTLS := tls.Server(phone, mdTLSCfg)

	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := huTLS.HandshakeContext(hsCtx); err != nil {
		in.logf("hu tls handshake: %v", err)
		return pump.OutcomeClosed
	}
	if err := mdTLS.HandshakeContext(hsCtx); err != nil {
		in.logf("md tls handshake: %v", err)
		return pump.OutcomeClosed
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	outcomeCh := make(chan pump.Outcome, 2)
	go in.forward(ctx, "phone_to_hu", mdTLS, huTLS, outcomeCh)
	go in.forward(ctx, "hu_to_phone", huTLS, mdTLS, outcomeCh)

	if in.Rules.EVRouting && in.Battery != nil {
		go in.injectBatteryUpdates(ctx, huTLS)
	}

	select {
	case <-ctx.Done():
		return pump.OutcomeUnknown
	case o := <-outcomeCh:
		cancelRun()
		return o
	}
}

func (in *Interceptor) logf(format string, args ...interface{}) {
	if in.Log == nil {
		return
	}
	in.Log.Error(fmt.Sprintf(format, args...), "component", "mitm")
}

// bypassVersionExchange forwards the single plaintext version request/
// response pair in each direction, verbatim, before TLS starts.
func bypassVersionExchange(phone net.Conn, hu net.Conn) error {
	phoneFrame, err := readOneFrame(phone)
	if err != nil {
		return fmt.Errorf("read phone version frame: %w", err)
	}
	if !isVersionFrame(phoneFrame) {
		return fmt.Errorf("%w: unexpected first phone frame", ErrFrameMalformed)
	}
	if _, err := hu.Write(mustMarshal(phoneFrame)); err != nil {
		return fmt.Errorf("forward phone version frame: %w", err)
	}

	huFrame, err := readOneFrame(hu)
	if err != nil {
		return fmt.Errorf("read hu version frame: %w", err)
	}
	if !isVersionFrame(huFrame) {
		return fmt.Errorf("%w: unexpected first hu frame", ErrFrameMalformed)
	}
	if _, err := phone.Write(mustMarshal(huFrame)); err != nil {
		return fmt.Errorf("forward hu version frame: %w", err)
	}
	return nil
}

func readOneFrame(r io.Reader) (aaframe.TransportFrame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return aaframe.TransportFrame{}, err
	}
	length := binary.BigEndian.Uint16(header[2:4])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return aaframe.TransportFrame{}, err
		}
	}
	return aaframe.TransportFrame{Channel: header[0], Flags: header[1], Payload: payload}, nil
}

func isVersionFrame(f aaframe.TransportFrame) bool {
	if len(f.Payload) < 2 {
		return false
	}
	word := binary.BigEndian.Uint16(f.Payload[:2])
	return word == versionRequest || word == versionResponse
}

func mustMarshal(f aaframe.TransportFrame) []byte {
	b, _ := f.Marshal()
	return b
}

// forward reassembles complete logical messages from src, applies the
// rewrite table, and re-emits them on dst, fragmenting to match the
// original inbound fragment size.
func (in *Interceptor) forward(ctx context.Context, direction string, src io.Reader, dst io.Writer, outcomeCh chan<- pump.Outcome) {
	asm := aaframe.NewAssembler(1 << 20)
	buf := make([]byte, 16*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if werr := asm.Write(buf[:n]); werr != nil {
				outcomeCh <- pump.OutcomeClosed
				return
			}
			messages, derr := asm.Drain()
			if derr != nil {
				in.logf("%s: %v", direction, derr)
				outcomeCh <- pump.OutcomeClosed
				return
			}
			for _, msg := range messages {
				out, rule := in.rewrite(msg)
				if rule != "" {
					metrics.IncRewrite(string(rule))
				}
				maxFrag := msg.FragmentLen
				if maxFrag <= 0 {
					maxFrag = aaframe.MaxPayloadSize
				}
				var flags byte
				if msg.Encrypted {
					flags |= aaframe.FlagEncrypted
				}
				frames, ferr := aaframe.Fragment(msg.Channel, flags, out, maxFrag)
				if ferr != nil {
					outcomeCh <- pump.OutcomeClosed
					return
				}
				for _, fr := range frames {
					wire, merr := fr.Marshal()
					if merr != nil {
						outcomeCh <- pump.OutcomeClosed
						return
					}
					if _, werr := dst.Write(wire); werr != nil {
						outcomeCh <- pump.OutcomeClosed
						return
					}
				}
			}
		}
		if err != nil {
			outcomeCh <- pump.OutcomeClosed
			return
		}
	}
}

// rewrite applies the rule table to a reassembled logical message; the
// message type word is the first two bytes of the payload per spec.md §4.H.
func (in *Interceptor) rewrite(msg aaframe.Message) ([]byte, RuleName) {
	if len(msg.Payload) < 2 {
		return msg.Payload, ""
	}
	msgType := binary.BigEndian.Uint16(msg.Payload[:2])
	body := msg.Payload[2:]
	out, rule := Rewrite(msg.Channel, msgType, body, in.Rules)
	if rule == "" {
		return msg.Payload, ""
	}
	rewritten := make([]byte, 2+len(out))
	binary.BigEndian.PutUint16(rewritten[:2], msgType)
	copy(rewritten[2:], out)
	return rewritten, rule
}

// injectBatteryUpdates periodically emits a synthetic battery-status frame
// on the navigation channel, sourced from the latest battery sample
// (spec.md §4.H EV routing, §4.I).
func (in *Interceptor) injectBatteryUpdates(ctx context.Context, dst io.Writer) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSeen time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, ok := in.Battery.Latest()
			if !ok || !sample.Timestamp.After(lastSeen) {
				continue
			}
			lastSeen = sample.Timestamp

			payload := make([]byte, 2+4)
			binary.BigEndian.PutUint16(payload[:2], msgTypeNavStatus)
			binary.BigEndian.PutUint32(payload[2:], math.Float32bits(sample.Level))

			frame := aaframe.TransportFrame{Channel: channelNavigation, Flags: aaframe.FlagFirstFragment | aaframe.FlagLastFragment, Payload: payload}
			wire, err := frame.Marshal()
			if err != nil {
				continue
			}
			if _, err := dst.Write(wire); err != nil {
				return
			}
		}
	}
}
