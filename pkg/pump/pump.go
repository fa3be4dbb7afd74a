// Package pump implements the bidirectional data pump between the phone's
// TCP socket and the accessory bulk endpoint (Component G, spec.md §4.G).
//
// Go has no io_uring binding in this dependency set, so the completion-queue
// model spec.md §9 calls for is emulated the way it prescribes for
// platforms without one: one OS thread (goroutine, pinned by blocking I/O)
// per direction, each posting completions onto a channel read by a single
// coordinator goroutine. No readiness polling ever touches the accessory
// fd, preserving the invariant that motivates completion-based I/O in the
// first place.
package pump

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aa-proxy/aa-proxy-go/pkg/metrics"
)

// Buffer discipline per spec.md §4.G: 4 slots of 16 KiB per direction.
const (
	slotSize  = 16 * 1024
	slotCount = 4
)

// Outcome classifies why Run returned, per the error kinds of spec.md §7.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeStall
	OutcomeClosed
	OutcomeUSBGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStall:
		return "STALL"
	case OutcomeClosed:
		return "CLOSED"
	case OutcomeUSBGone:
		return "USB_GONE"
	default:
		return "UNKNOWN"
	}
}

// Stats are the monotonic counters of spec.md §3, reset only on a full
// Orchestrator restart (owned by the caller, not the Pump).
type Stats struct {
	BytesPhoneToHU atomic.Int64
	BytesHUToPhone atomic.Int64
	LastProgress   atomic.Int64 // unix nanos, updated on write completion
}

func (s *Stats) touch() {
	s.LastProgress.Store(time.Now().UnixNano())
}

// Snapshot is a plain-value copy of Stats, safe to pass around or embed in
// an event struct (Stats itself must never be copied after first use).
type Snapshot struct {
	BytesPhoneToHU int64
	BytesHUToPhone int64
	LastProgress   int64
}

// Snapshot reads the current counters into a copyable value.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesPhoneToHU: s.BytesPhoneToHU.Load(),
		BytesHUToPhone: s.BytesHUToPhone.Load(),
		LastProgress:   s.LastProgress.Load(),
	}
}

// Pump forwards bytes between phone (TCP) and hu (accessory fd).
type Pump struct {
	phone net.Conn
	hu    io.ReadWriteCloser

	stats       *Stats
	timeout     time.Duration
	statsPeriod time.Duration
}

// New builds a Pump. timeout is the stall window (spec.md §4.G); statsPeriod
// is the interval at which byte-rate is published (0 disables it).
func New(phone net.Conn, hu io.ReadWriteCloser, stats *Stats, timeout, statsPeriod time.Duration) *Pump {
	return &Pump{phone: phone, hu: hu, stats: stats, timeout: timeout, statsPeriod: statsPeriod}
}

// completion is posted by a direction goroutine after every read or write.
type completion struct {
	direction string
	n         int
	err       error
	isWrite   bool
}

// Run forwards bytes in both directions until a stall is detected, an
// endpoint closes, the accessory device disappears, or ctx is canceled.
func (p *Pump) Run(ctx context.Context) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	completions := make(chan completion, slotCount*4)

	go p.direction(ctx, metrics.DirectionPhoneToHU, p.phone, p.hu, &p.stats.BytesPhoneToHU, completions)
	go p.direction(ctx, metrics.DirectionHUToPhone, p.hu, p.phone, &p.stats.BytesHUToPhone, completions)

	var statsTicker *time.Ticker
	var statsC <-chan time.Time
	if p.statsPeriod > 0 {
		statsTicker = time.NewTicker(p.statsPeriod)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	stallTimeout := p.timeout
	if stallTimeout <= 0 {
		stallTimeout = 5 * time.Second
	}
	stallTimer := time.NewTimer(stallTimeout)
	defer stallTimer.Stop()

	var lastPhoneToHU, lastHUToPhone int64

	for {
		select {
		case <-ctx.Done():
			return OutcomeUnknown

		case c := <-completions:
			if c.err != nil {
				return classify(c.err)
			}
			if c.isWrite {
				p.stats.touch()
				metrics.AddBytes(c.direction, c.n)
				if !stallTimer.Stop() {
					<-stallTimer.C
				}
				stallTimer.Reset(stallTimeout)
			}

		case <-statsC:
			p2h := p.stats.BytesPhoneToHU.Load()
			h2p := p.stats.BytesHUToPhone.Load()
			rateP2H := float64(p2h-lastPhoneToHU) / p.statsPeriod.Seconds()
			rateH2P := float64(h2p-lastHUToPhone) / p.statsPeriod.Seconds()
			metrics.SetRate(metrics.DirectionPhoneToHU, rateP2H)
			metrics.SetRate(metrics.DirectionHUToPhone, rateH2P)
			lastPhoneToHU, lastHUToPhone = p2h, h2p

		case <-stallTimer.C:
			return OutcomeStall
		}
	}
}

// direction runs one forwarding loop: read a slot from src, write it to dst
// verbatim (short reads are forwarded as-is, never coalesced), and post a
// completion for the write. Slot reuse keeps allocation bounded to
// slotCount buffers per direction.
func (p *Pump) direction(ctx context.Context, label string, src io.Reader, dst io.Writer, counter *atomic.Int64, out chan<- completion) {
	slots := make([][]byte, slotCount)
	for i := range slots {
		slots[i] = make([]byte, slotSize)
	}

	for i := 0; ; i = (i + 1) % slotCount {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf := slots[i]
		n, err := src.Read(buf)
		if n > 0 {
			// Write ordering within a direction is FIFO by construction:
			// this goroutine never issues write N+1 before write N returns.
			wn, werr := dst.Write(buf[:n])
			counter.Add(int64(wn))
			select {
			case out <- completion{direction: label, n: wn, err: werr, isWrite: true}:
			case <-ctx.Done():
				return
			}
			if werr != nil {
				return
			}
		}
		if err != nil {
			if classify(err) == OutcomeUnknown {
				continue // transient timeout: retry the read
			}
			select {
			case out <- completion{direction: label, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// classify maps an I/O error to an Outcome per spec.md §4.G's error table.
func classify(err error) Outcome {
	if errors.Is(err, io.EOF) {
		return OutcomeClosed
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return OutcomeClosed
	}
	if errors.Is(err, syscall.ENODEV) {
		return OutcomeUSBGone
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeUnknown // transient; direction retries a read that times out
	}
	return OutcomeClosed
}
