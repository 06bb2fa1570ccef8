package hx

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/ids"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/persist"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

// RampState is one of the IR detector's ramp-state values, published on
// "rampState".
type RampState string

const (
	RampNone    RampState = "none"
	RampReset   RampState = "reset"
	RampReading RampState = "reading"
	RampDone    RampState = "done"
	RampFailed  RampState = "failed"
)

// ReadEvent is one hxread callback: (visit, ramp, group, read).
type ReadEvent struct {
	Visit int
	Ramp  int
	Group int
	Read  int
}

// beamConfigDateSentinel is the reserved value recorded for every IR
// detector exposure row, per §4.6.
const beamConfigDateSentinel = 9998.0

const pollInterval = time.Millisecond

// Detector drives one IR (hx_<cam>) detector's ramp across a single
// exposure.
type Detector struct {
	Camera    ids.Camera
	Client    remote.Client
	Registry  *keywords.Registry
	Cfg       Config
	Persister persist.ExposureSink

	// PfsDesign is the pre-formatted `0x<id>,"<name>"` pfsDesign= value
	// (§4.5, §4.6); see ccd.Detector.PfsDesign. Appended to the ramp command
	// only when non-empty.
	PfsDesign string

	actor string

	mu             sync.Mutex
	state          RampState
	startRamp      time.Time
	resetAt        time.Time
	currentNRead   int
	readsSeen      int
	lastRead       ReadEvent
	failedBeforeFR bool
	watchdogErr    *failure.Failure

	doFinalize        atomic.Bool
	finalStopIssued   atomic.Bool
	naturalFinishDone atomic.Bool

	stateSub keywords.Subscription
	readSub  keywords.Subscription
	stopped  chan struct{}

	lastRecord persist.ExposureRecord
	hasRecord  bool
}

// New constructs a Detector for camera, addressed as actor "hx_<cam>".
func New(camera ids.Camera, client remote.Client, registry *keywords.Registry, cfg Config, persister persist.ExposureSink) *Detector {
	return &Detector{
		Camera:    camera,
		Client:    client,
		Registry:  registry,
		Cfg:       cfg,
		Persister: persister,
		actor:     "hx_" + camera.String(),
		state:     RampNone,
		stopped:   make(chan struct{}),
	}
}

// Actor returns the remote actor name this detector dispatches to.
func (d *Detector) Actor() string { return d.actor }

// Start begins observing rampState/hxread keyword updates. Must be called
// before StartRamp.
func (d *Detector) Start() {
	d.stateSub = d.Registry.Subscribe(d.actor, "rampState", 32)
	d.readSub = d.Registry.Subscribe(d.actor, "hxread", 32)
	go d.watch()
}

func (d *Detector) watch() {
	for {
		select {
		case upd, ok := <-d.stateSub.C():
			if !ok {
				return
			}
			if len(upd.Values) > 0 {
				d.onRampState(RampState(upd.Values[0]))
			}
		case upd, ok := <-d.readSub.C():
			if !ok {
				return
			}
			if ev, ok := parseReadEvent(upd.Values); ok {
				d.onHxRead(ev)
			}
		case <-d.stopped:
			return
		}
	}
}

func parseReadEvent(values []string) (ReadEvent, bool) {
	if len(values) < 4 {
		return ReadEvent{}, false
	}
	ints := make([]int, 4)
	for i, v := range values[:4] {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ReadEvent{}, false
		}
		ints[i] = n
	}
	return ReadEvent{Visit: ints[0], Ramp: ints[1], Group: ints[2], Read: ints[3]}, true
}

func (d *Detector) onRampState(s RampState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
	if s == RampReset && d.resetAt.IsZero() {
		d.resetAt = time.Now()
	}
}

func (d *Detector) onHxRead(ev ReadEvent) {
	d.mu.Lock()
	d.lastRead = ev
	d.readsSeen++
	finalize := d.doFinalize.Load()
	currentNRead := d.currentNRead
	d.mu.Unlock()

	if finalize && !d.finalStopIssued.Load() {
		if ev.Read < currentNRead-(1+d.Cfg.NExtraRead) {
			if d.finalStopIssued.CompareAndSwap(false, true) {
				go d.sendRampFinish(true, ev)
			}
		}
	}
}

// State returns the detector's current ramp state.
func (d *Detector) State() RampState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ResetAt returns the instant "reset" was first observed.
func (d *Detector) ResetAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetAt
}

func (d *Detector) waitForState(ctx context.Context, target RampState, deadline time.Time) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if d.State() == target {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("hx: %s not observed by watchdog deadline", target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartRamp issues the ramp command and arms the reset/first-read watchdog
// timers. It blocks until "reset" is observed or the reset watchdog
// deadline passes, matching the module's wipe interlock (§4.6: "module wipe
// blocks until state==reset before issuing CCD wipes").
func (d *Detector) StartRamp(ctx context.Context, visit int, exptype string, exptime time.Duration, timeout time.Duration) *failure.Failure {
	d.mu.Lock()
	d.startRamp = time.Now()
	d.currentNRead = NRead0(exptype, exptime, d.Cfg)
	nRead := d.currentNRead
	d.mu.Unlock()

	resetBy, firstReadBy := WatchdogDeadlines(d.startRamp, d.Cfg.ReadTime)
	go d.runWatchdog(resetBy, firstReadBy)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmdStr := fmt.Sprintf("ramp nread=%d visit=%d exptype=%s%s", nRead, visit, exptype, d.pfsDesignFlavor())
	reply, err := d.Client.Call(callCtx, d.actor, cmdStr, timeout)
	if err != nil {
		return failure.New(failure.KindHxRampFailed, d.actor, err.Error())
	}
	if reply.DidFail {
		return failure.New(failure.KindHxRampFailed, d.actor, reply.LastFailure)
	}

	if err := d.waitForState(callCtx, RampReset, resetBy); err != nil {
		return failure.New(failure.KindHxRampFailed, d.actor, "reset not observed: "+err.Error())
	}
	return nil
}

// runWatchdog declares a failed ramp if reset is not observed by resetBy or
// the first read is not observed by firstReadBy. Both deadlines precede the
// first read, so every failure it declares is marked as before the first
// read; it declares no failure once the first read has been seen. Failures
// are surfaced via WatchdogFailure.
func (d *Detector) runWatchdog(resetBy, firstReadBy time.Time) {
	resetTimer := time.NewTimer(time.Until(resetBy))
	defer resetTimer.Stop()
	select {
	case <-resetTimer.C:
		d.mu.Lock()
		observedReset := !d.resetAt.IsZero()
		d.mu.Unlock()
		if !observedReset {
			d.mu.Lock()
			d.watchdogErr = failure.New(failure.KindHxRampFailed, d.actor, "reset not observed before watchdog deadline")
			d.failedBeforeFR = true
			d.state = RampFailed
			d.mu.Unlock()
			return
		}
	case <-d.stopped:
		return
	}

	firstReadTimer := time.NewTimer(time.Until(firstReadBy))
	defer firstReadTimer.Stop()
	select {
	case <-firstReadTimer.C:
		d.mu.Lock()
		observedRead := d.readsSeen > 0
		d.mu.Unlock()
		if !observedRead {
			d.mu.Lock()
			d.watchdogErr = failure.New(failure.KindHxRampFailed, d.actor, "first read not observed before watchdog deadline")
			d.failedBeforeFR = true
			d.state = RampFailed
			d.mu.Unlock()
		}
	case <-d.stopped:
	}
}

// WatchdogFailure returns the watchdog's declared failure, if any, and
// whether it occurred before the first read. runWatchdog declares failures
// only before the first read, so beforeFirstRead is true whenever f is
// non-nil.
func (d *Detector) WatchdogFailure() (f *failure.Failure, beforeFirstRead bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchdogErr, d.failedBeforeFR
}

// DeclareFinalRead marks doFinalize, invoked by the module on the shutter
// close callback (§4.7). The next hxread callback decides whether to stop
// the ramp early or let it finish naturally.
func (d *Detector) DeclareFinalRead() {
	d.doFinalize.Store(true)
}

func (d *Detector) pfsDesignFlavor() string {
	if d.PfsDesign == "" {
		return ""
	}
	return " pfsDesign=" + d.PfsDesign
}

func (d *Detector) sendRampFinish(stopRamp bool, ev ReadEvent) {
	cmdStr := "ramp finish"
	if stopRamp {
		cmdStr = "ramp finish stopRamp"
	}
	_ = d.Client.CallNoWait(context.Background(), d.actor, cmdStr)
	d.mu.Lock()
	d.state = RampDone
	d.mu.Unlock()
}

// FinalizeDark computes the natural final-read timing for an exptype with
// no shutter event (darks/bias): nRead0*readTime, dated from the first
// integration frame rather than the reset itself — for the IR detector,
// "wiped" is observed one readTime after reset (§4.6).
func (d *Detector) FinalizeDark() (exptime time.Duration, obstime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exptime = time.Duration(d.currentNRead) * d.Cfg.ReadTime
	obstime = d.resetAt.Add(d.Cfg.ReadTime)
	return
}

// CaptureRecord records the completed ramp's sps_exposure row, with
// beam_config_date fixed at the §4.6 sentinel.
func (d *Detector) CaptureRecord(visit int, exptime time.Duration, obstime time.Time) {
	camID, err := d.Camera.CamID()
	if err != nil {
		return
	}
	d.mu.Lock()
	d.lastRecord = persist.ExposureRecord{
		PfsVisitID:     visit,
		SpsCameraID:    camID,
		ExpTime:        exptime.Seconds(),
		TimeExpStart:   obstime,
		TimeExpEnd:     obstime.Add(exptime),
		BeamConfigDate: beamConfigDateSentinel,
	}
	d.hasRecord = true
	d.mu.Unlock()
}

// Storable reports whether this detector has a record pending persistence.
func (d *Detector) Storable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasRecord
}

// Store inserts the detector's pending exposure record and returns the
// camera's canonical name.
func (d *Detector) Store(ctx context.Context) (string, error) {
	d.mu.Lock()
	rec, ok := d.lastRecord, d.hasRecord
	d.mu.Unlock()
	if !ok {
		return "", nil
	}
	if d.Persister == nil {
		return d.Camera.String(), nil
	}
	if err := d.Persister.InsertExposure(ctx, rec); err != nil {
		return "", fmt.Errorf("hx: store %s: %w", d.actor, err)
	}
	return d.Camera.String(), nil
}

// Close unsubscribes from the keyword registry, per §9's requirement that
// subscriptions be removed in the owning thread's exit.
func (d *Detector) Close() error {
	select {
	case <-d.stopped:
	default:
		close(d.stopped)
	}
	var firstErr error
	if d.stateSub != nil {
		if err := d.Registry.Unsubscribe(d.stateSub); err != nil {
			firstErr = err
		}
	}
	if d.readSub != nil {
		if err := d.Registry.Unsubscribe(d.readSub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
