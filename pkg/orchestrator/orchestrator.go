// Package orchestrator implements the Orchestrator state machine (Component
// F, spec.md §4.F): it sequences the USB gadget, Bluetooth profile host,
// handshake, TCP listener, and data pump / MITM interceptor, owning all
// cross-cycle timing, retries, and recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aa-proxy/aa-proxy-go/pkg/battery"
	"github.com/aa-proxy/aa-proxy-go/pkg/btprofile"
	"github.com/aa-proxy/aa-proxy-go/pkg/config"
	"github.com/aa-proxy/aa-proxy-go/pkg/handshake"
	"github.com/aa-proxy/aa-proxy-go/pkg/history"
	"github.com/aa-proxy/aa-proxy-go/pkg/logger"
	"github.com/aa-proxy/aa-proxy-go/pkg/metrics"
	"github.com/aa-proxy/aa-proxy-go/pkg/mitm"
	"github.com/aa-proxy/aa-proxy-go/pkg/pump"
	"github.com/aa-proxy/aa-proxy-go/pkg/tcplisten"
	"github.com/aa-proxy/aa-proxy-go/pkg/uevent"
	"github.com/aa-proxy/aa-proxy-go/pkg/usbgadget"
)

// Timeouts and backoff schedule per spec.md §4.F.
const (
	usbReadyTimeout  = 15 * time.Second
	tcpAcceptTimeout = 10 * time.Second
	usbAwaitTimeout  = 5 * time.Second

	backoffStep = 1 * time.Second
	backoffCap  = 5 * time.Second
	abortsForCap = 3
)

// StatusEvent is broadcast to subscribers on every state transition, per
// the live status/event feed supplement.
type StatusEvent struct {
	State   State
	CycleID string
	Stats   pump.Snapshot
}

// Orchestrator drives one component set through repeated connection cycles.
type Orchestrator struct {
	cfg     *config.Config
	log     *logger.Logger // scoped to component=orchestrator, for this package's own log lines
	base    *logger.Logger // unscoped, handed to subordinate components so they can apply their own component tag
	hist    *history.Store
	batt    *battery.Store
	gadget  *usbgadget.Controller
	connect btprofile.ConnectTarget

	subsMu sync.Mutex
	subs   []chan StatusEvent

	consecutiveAborts int
}

// New builds an Orchestrator from a loaded configuration.
func New(cfg *config.Config, log *logger.Logger, hist *history.Store, batt *battery.Store) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		log:     log.WithComponent("orchestrator"),
		base:    log,
		hist:    hist,
		batt:    batt,
		gadget:  usbgadget.New("g1"),
		connect: btprofile.ParseConnectTarget(cfg.Connect),
	}
}

// Subscribe registers a channel that receives every state transition. The
// returned channel is buffered; slow consumers miss events rather than
// blocking the orchestrator.
func (o *Orchestrator) Subscribe() <-chan StatusEvent {
	ch := make(chan StatusEvent, 16)
	o.subsMu.Lock()
	o.subs = append(o.subs, ch)
	o.subsMu.Unlock()
	return ch
}

func (o *Orchestrator) publish(ev StatusEvent) {
	metrics.SetCurrentState(ev.State.String())
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run loops the state machine until ctx is canceled (an administrative
// signal, per spec.md §4.F, returns to Idle immediately which here means
// the loop simply exits on the next check).
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cycleID := history.NewCycleID()
		var stats pump.Stats
		startedAt := time.Now()

		finalState, cycleErr := o.runCycle(ctx, cycleID, &stats)

		if o.hist != nil {
			rec := history.Record{
				ID:             cycleID,
				StartedAt:      startedAt,
				EndedAt:        time.Now(),
				FinalState:     finalState.String(),
				BytesPhoneToHU: stats.BytesPhoneToHU.Load(),
				BytesHUToPhone: stats.BytesHUToPhone.Load(),
			}
			if cycleErr != nil {
				rec.ErrorKind = Kind(cycleErr)
				metrics.IncError(rec.ErrorKind)
			}
			if err := o.hist.Record(ctx, rec); err != nil {
				o.log.WithCycle(cycleID).Warn(fmt.Sprintf("history record failed: %v", err))
			}
		}

		if cycleErr != nil && Fatal(cycleErr) {
			return cycleErr
		}

		if cycleErr != nil {
			o.consecutiveAborts++
			o.log.WithCycle(cycleID).Error(fmt.Sprintf("cycle aborted: %v", cycleErr))
		} else {
			o.consecutiveAborts = 0
		}

		delay := backoffStep
		if o.consecutiveAborts >= abortsForCap {
			delay = backoffCap
		} else if o.consecutiveAborts > 0 {
			delay = time.Duration(o.consecutiveAborts) * backoffStep
			if delay > backoffCap {
				delay = backoffCap
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runCycle executes one full Idle→...→Abort→Idle traversal and returns the
// state the cycle ended in along with any error that caused an abort.
func (o *Orchestrator) runCycle(ctx context.Context, cycleID string, stats *pump.Stats) (State, error) {
	o.enter(Idle, cycleID, stats)
	_ = o.gadget.TeardownAll()

	o.enter(PrepUSB, cycleID, stats)
	if err := o.prepUSB(ctx); err != nil {
		return o.enterAbort(ctx, cycleID, stats), err
	}

	o.enter(PrepBT, cycleID, stats)
	host, err := btprofile.New(o.cfg.BTAlias)
	if err != nil {
		return o.enterAbort(ctx, cycleID, stats), fmt.Errorf("%w: %v", ErrAdapterAbsent, err)
	}
	defer host.Close()

	btCtx, btCancel := context.WithCancel(ctx)
	defer btCancel()
	rfcomm, err := host.Start(btCtx, o.connect, o.cfg.Advertise)
	if err != nil {
		kind := ErrAdapterAbsent
		if errors.Is(err, btprofile.ErrProfileRegisterFailed) {
			kind = ErrProfileRegisterFailed
		}
		return o.enterAbort(ctx, cycleID, stats), fmt.Errorf("%w: %v", kind, err)
	}
	defer rfcomm.Close()

	o.enter(Handshake, cycleID, stats)
	hsCtx, hsCancel := context.WithTimeout(ctx, handshake.Timeout)
	hsErr := handshake.Run(hsCtx, rfcomm, o.cfg.Iface, o.cfg.HostapdConf)
	hsCancel()
	if hsErr != nil {
		kind := ErrHandshakeTimeout
		if errors.Is(hsErr, handshake.ErrBadStatus) {
			kind = ErrHandshakeBadStatus
		}
		return o.enterAbort(ctx, cycleID, stats), fmt.Errorf("%w: %v", kind, hsErr)
	}
	if err := host.Stop(o.cfg.Keepalive); err != nil {
		o.log.WithCycle(cycleID).Warn(fmt.Sprintf("bt stop: %v", err))
	}

	o.enter(AwaitTCP, cycleID, stats)
	phoneConn, accessory, err := o.awaitBothSides(ctx)
	if err != nil {
		return o.enterAbort(ctx, cycleID, stats), err
	}
	defer phoneConn.Close()
	defer accessory.Close()

	o.enter(Forward, cycleID, stats)
	if o.cfg.MITM.Enabled {
		if o.cfg.MITM.EV {
			battery.RunScript(o.cfg.MITM.EVScript, "start", o.base)
			defer battery.RunScript(o.cfg.MITM.EVScript, "stop", o.base)
		}
		interceptor := &mitm.Interceptor{
			Identities: mitm.Identities{
				HUCert:      o.cfg.MITM.HUCert,
				HUKey:       o.cfg.MITM.HUKey,
				MDCert:      o.cfg.MITM.MDCert,
				MDKey:       o.cfg.MITM.MDKey,
				GalrootCert: o.cfg.MITM.GalrootCert,
			},
			Rules: mitm.RuleConfig{
				DPIOverride:      o.cfg.MITM.DPI,
				DPIDensity:       uint64(o.cfg.MITM.DPIDensity),
				RemoveTapLock:    o.cfg.MITM.RemoveTapLock,
				DisableMediaSink: o.cfg.MITM.DisableMediaSink,
				DisableTTSSink:   o.cfg.MITM.DisableTTSSink,
				VideoInMotion:    o.cfg.MITM.VideoInMotion,
				DeveloperMode:    o.cfg.MITM.DeveloperMode,
				EVRouting:        o.cfg.MITM.EV,
			},
			Stats:   stats,
			Battery: o.batt,
			Log:     o.base,
		}
		outcome := interceptor.Run(ctx, phoneConn, accessory)
		if outcome != pump.OutcomeUnknown {
			return o.enterAbort(ctx, cycleID, stats), outcomeErr(outcome)
		}
		return o.enterAbort(ctx, cycleID, stats), nil
	}

	p := pump.New(phoneConn, accessory, stats, time.Duration(o.cfg.TimeoutSecs)*time.Second, time.Duration(o.cfg.StatsInterval)*time.Second)
	outcome := p.Run(ctx)
	if outcome != pump.OutcomeUnknown {
		return o.enterAbort(ctx, cycleID, stats), outcomeErr(outcome)
	}
	return o.enterAbort(ctx, cycleID, stats), nil
}

func outcomeErr(o pump.Outcome) error {
	switch o {
	case pump.OutcomeStall:
		return ErrStall
	case pump.OutcomeUSBGone:
		return ErrUSBGone
	default:
		return ErrPeerClosed
	}
}

// prepUSB binds the default composition (legacy mode) or the accessory
// composition (fast path) and waits for its device node to become ready,
// per spec.md §4.A / §4.F. The legacy default→accessory switch happens
// later, in awaitBothSides.
func (o *Orchestrator) prepUSB(ctx context.Context) error {
	comp := usbgadget.CompositionAccessory
	if o.cfg.Legacy {
		comp = usbgadget.CompositionDefault
	}
	readyPath := o.gadget.ReadyPath(comp)

	listener, err := uevent.NewListener(readyPath)
	usePoll := err != nil

	if err := o.gadget.Enable(comp, o.cfg.UDC); err != nil {
		if errors.Is(err, usbgadget.ErrFSAbsent) {
			return fmt.Errorf("%w: %v", ErrKernelFacilityMissing, err)
		}
		return err
	}

	deadline, cancel := context.WithTimeout(ctx, usbReadyTimeout)
	defer cancel()

	if usePoll {
		_, err := uevent.Poll(deadline, readyPath)
		return err
	}
	defer listener.Close()

	events := make(chan uevent.Event, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- listener.Run(deadline, events) }()

	select {
	case <-deadline.Done():
		return fmt.Errorf("usbgadget: uevent ready timeout")
	case ev := <-events:
		if ev.Kind == uevent.EventReady {
			return nil
		}
		return fmt.Errorf("usbgadget: unexpected uevent")
	case err := <-errCh:
		return err
	}
}

// awaitBothSides accepts the phone TCP connection while (in legacy mode)
// switching the gadget to accessory in parallel, per spec.md §4.F AwaitTCP.
func (o *Orchestrator) awaitBothSides(ctx context.Context) (net.Conn, *os.File, error) {
	tcpCtx, tcpCancel := context.WithTimeout(ctx, tcpAcceptTimeout)
	defer tcpCancel()

	ln, err := tcplisten.Listen()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTCPAcceptTimeout, err)
	}
	defer ln.Close()

	type usbResult struct {
		err error
	}
	usbDone := make(chan usbResult, 1)
	if o.cfg.Legacy {
		go func() {
			usbCtx, usbCancel := context.WithTimeout(ctx, usbAwaitTimeout)
			defer usbCancel()
			err := o.prepUSBAccessorySwitch(usbCtx)
			usbDone <- usbResult{err}
		}()
	} else {
		usbDone <- usbResult{nil}
	}

	conn, acceptErr := ln.AcceptOne(tcpCtx)
	if acceptErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTCPAcceptTimeout, acceptErr)
	}

	if r := <-usbDone; r.err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrUSBGone, r.err)
	}

	accessory, err := os.OpenFile(o.gadget.AccessoryPath(), os.O_RDWR, 0)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrUSBGone, err)
	}

	return conn, accessory, nil
}

func (o *Orchestrator) prepUSBAccessorySwitch(ctx context.Context) error {
	if err := o.gadget.Disable(); err != nil {
		return err
	}
	return o.gadget.Enable(usbgadget.CompositionAccessory, o.cfg.UDC)
}

func (o *Orchestrator) enter(s State, cycleID string, stats *pump.Stats) {
	o.log.WithCycle(cycleID).Info(fmt.Sprintf("entering %s", s))
	o.publish(StatusEvent{State: s, CycleID: cycleID, Stats: stats.Snapshot()})
}

func (o *Orchestrator) enterAbort(ctx context.Context, cycleID string, stats *pump.Stats) State {
	o.enter(Abort, cycleID, stats)
	_ = o.gadget.TeardownAll()
	return Abort
}
