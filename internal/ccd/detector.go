package ccd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/ids"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

// Window is an optional row-windowing range for the arm's wipe/read pair.
type Window struct {
	Row0  int
	NRows int
}

// Timeouts carries the wipe/read/clear time limits (defaults per §4.5:
// wipe 30s, read 90s, clear 10s).
type Timeouts struct {
	Wipe  time.Duration
	Read  time.Duration
	Clear time.Duration
}

// DefaultTimeouts returns the §4.5 defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Wipe: 30 * time.Second, Read: 90 * time.Second, Clear: 10 * time.Second}
}

const pollInterval = time.Millisecond

// Detector drives one CCD's state machine across a single exposure. It is
// constructed fresh per exposure by the owning spectrograph-module thread
// and discarded via Close once the exposure concludes.
type Detector struct {
	Camera      ids.Camera
	Client      remote.Client
	Registry    *keywords.Registry
	Timeouts    Timeouts
	LightSource string // e.g. "pfi"; governs the read-failure recovery policy
	Window      *Window
	Persister   Persister

	// PfsDesign is the pre-formatted `0x<id>,"<name>"` pfsDesign= value
	// (§4.5, §4.6), resolved once per exposure by persist.DesignLookup and
	// threaded in by the owning exposure. Left "" omits the parameter
	// entirely, which standalone detector tests rely on.
	PfsDesign string

	actor string

	mu      sync.Mutex
	state   State
	wipedAt time.Time

	cleared atomic.Bool

	sub     keywords.Subscription
	stopped chan struct{}

	lastRecord ExposureRecord
	hasRecord  bool
}

// New constructs a Detector for camera, addressed as actor "ccd_<cam>".
func New(camera ids.Camera, client remote.Client, registry *keywords.Registry, persister Persister) *Detector {
	return &Detector{
		Camera:    camera,
		Client:    client,
		Registry:  registry,
		Timeouts:  DefaultTimeouts(),
		Persister: persister,
		actor:     "ccd_" + camera.String(),
		state:     StateNone,
		stopped:   make(chan struct{}),
	}
}

// Actor returns the remote actor name this detector dispatches commands to.
func (d *Detector) Actor() string { return d.actor }

// Start begins observing the ccd_<cam>.exposureState keyword, updating the
// detector's local state on every callback. Must be called before Wipe.
func (d *Detector) Start() {
	d.sub = d.Registry.Subscribe(d.actor, "exposureState", 16)
	go d.watch()
}

func (d *Detector) watch() {
	for {
		select {
		case upd, ok := <-d.sub.C():
			if !ok {
				return
			}
			if len(upd.Values) == 0 {
				continue
			}
			d.onState(State(upd.Values[0]))
		case <-d.stopped:
			return
		}
	}
}

func (d *Detector) onState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateCleared {
		return // cleared is terminal; subsequent transitions are forbidden
	}
	d.state = s
	if s == StateIntegrating && d.wipedAt.IsZero() {
		d.wipedAt = time.Now()
	}
}

// State returns the detector's current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// WipedAt returns the instant the detector was observed entering
// "integrating", i.e. the moment the wipe completed.
func (d *Detector) WipedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wipedAt
}

// Cleared reports whether the detector has been locally cleared: by
// ClearExposure (which a read failure with a non-pfi light source issues),
// or by a read failure with the pfi light source, which marks it cleared
// without sending clearExposure. A wipe failure does not clear it.
func (d *Detector) Cleared() bool { return d.cleared.Load() }

func (d *Detector) waitForState(ctx context.Context, target State) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if d.State() == target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Detector) wipeFlavor() string {
	if d.Window != nil {
		return " nrows=0"
	}
	return ""
}

func (d *Detector) readFlavor() string {
	if d.Window != nil {
		return fmt.Sprintf(" row0=%d nrows=%d", d.Window.Row0, d.Window.NRows)
	}
	return ""
}

func (d *Detector) pfsDesignFlavor() string {
	if d.PfsDesign == "" {
		return ""
	}
	return " pfsDesign=" + d.PfsDesign
}

// Wipe issues `_wipe` and blocks until the detector reports "integrating",
// at which point wipedAt is captured. On any failure it returns a
// WipeFailed failure; the caller (the owning module) is responsible for
// treating this as fatal to the exposure per §4.5/§4.7.
func (d *Detector) Wipe(ctx context.Context) *failure.Failure {
	callCtx, cancel := context.WithTimeout(ctx, d.Timeouts.Wipe)
	defer cancel()

	cmdStr := "wipe" + d.wipeFlavor()
	reply, err := d.Client.Call(callCtx, d.actor, cmdStr, d.Timeouts.Wipe)
	if err != nil {
		return failure.New(failure.KindWipeFailed, d.actor, err.Error())
	}
	if reply.DidFail {
		return failure.New(failure.KindWipeFailed, d.actor, reply.LastFailure)
	}
	if err := d.waitForState(callCtx, StateIntegrating); err != nil {
		return failure.New(failure.KindWipeFailed, d.actor, "never observed integrating: "+err.Error())
	}
	return nil
}

// IntegrationOutcome reports how an integration wait concluded.
type IntegrationOutcome int

const (
	IntegrationComplete IntegrationOutcome = iota
	IntegrationEarlyFinish
	IntegrationAborted
)

// Integrate blocks until wipedAt+exptime elapses, polling doAbort/doFinish
// at ~1ms per §5. It returns the observation instant (always wipedAt, per
// §4.5) and how the wait concluded.
func (d *Detector) Integrate(ctx context.Context, exptime time.Duration, doAbort, doFinish *atomic.Bool) (time.Time, IntegrationOutcome, *failure.Failure) {
	wipedAt := d.WipedAt()
	if doFinish != nil && doFinish.Load() {
		return wipedAt, IntegrationEarlyFinish, failure.New(failure.KindEarlyFinish, d.actor, "finish already requested")
	}
	if doAbort != nil && doAbort.Load() {
		return wipedAt, IntegrationAborted, failure.New(failure.KindExposureAborted, d.actor, "abort already requested")
	}

	deadline := wipedAt.Add(exptime)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if doAbort != nil && doAbort.Load() {
			return wipedAt, IntegrationAborted, failure.New(failure.KindExposureAborted, d.actor, "")
		}
		if doFinish != nil && doFinish.Load() {
			return wipedAt, IntegrationEarlyFinish, nil
		}
		if !time.Now().Before(deadline) {
			return wipedAt, IntegrationComplete, nil
		}
		select {
		case <-ctx.Done():
			return wipedAt, IntegrationAborted, failure.New(failure.KindTimeout, d.actor, ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

// ReadParams carries the values substituted into the `read` command string.
type ReadParams struct {
	ExpType  string
	Visit    int
	ExpTime  float64
	DarkTime float64
	ObsTime  time.Time
}

// Read issues `_read` with the given parameters and blocks until the
// detector reports "idle". Failure recovery follows §4.5: a non-pfi light
// source is cleared locally and the failure recorded; a pfi light source is
// left uncleared (data may be recoverable) but the state machine is stopped
// by setting cleared so no further transitions are observed.
func (d *Detector) Read(ctx context.Context, p ReadParams) *failure.Failure {
	callCtx, cancel := context.WithTimeout(ctx, d.Timeouts.Read)
	defer cancel()

	cmdStr := fmt.Sprintf("read %s visit=%d exptime=%.2f darktime=%.2f obstime=%s%s%s",
		p.ExpType, p.Visit, p.ExpTime, p.DarkTime, p.ObsTime.UTC().Format(time.RFC3339Nano), d.pfsDesignFlavor(), d.readFlavor())

	reply, err := d.Client.Call(callCtx, d.actor, cmdStr, d.Timeouts.Read)
	if err != nil {
		return d.handleReadFailure(ctx, err.Error())
	}
	if reply.DidFail {
		return d.handleReadFailure(ctx, reply.LastFailure)
	}
	if err := d.waitForState(callCtx, StateIdle); err != nil {
		return d.handleReadFailure(ctx, "never observed idle: "+err.Error())
	}
	d.captureRecord(reply, p)
	return nil
}

func (d *Detector) handleReadFailure(ctx context.Context, reason string) *failure.Failure {
	f := failure.New(failure.KindReadFailed, d.actor, reason)
	if d.LightSource != "pfi" {
		_ = d.ClearExposure(ctx)
	} else {
		d.cleared.Store(true)
		d.mu.Lock()
		d.state = StateCleared
		d.mu.Unlock()
	}
	return f
}

// ClearExposure sends `_clearExposure` at most once: a second call is a
// no-op returning nil, matching the timeout-idempotence property.
func (d *Detector) ClearExposure(ctx context.Context) *failure.Failure {
	if d.cleared.Swap(true) {
		return nil
	}
	d.mu.Lock()
	d.state = StateCleared
	d.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, d.Timeouts.Clear)
	defer cancel()
	_, err := d.Client.Call(callCtx, d.actor, "clearExposure", d.Timeouts.Clear)
	if err != nil {
		return failure.New(failure.KindWipeFailed, d.actor, "clearExposure: "+err.Error())
	}
	return nil
}

// Storable reports whether this detector completed a read and has a record
// pending persistence.
func (d *Detector) Storable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasRecord
}

func (d *Detector) captureRecord(reply remote.ReplyBundle, p ReadParams) {
	camID, err := d.Camera.CamID()
	if err != nil {
		return
	}
	beamConfigDate := 9998.0
	if v, ok := reply.Keywords["beamConfigDate"]; ok && len(v) > 0 {
		var parsed float64
		if _, scanErr := fmt.Sscanf(v[0], "%f", &parsed); scanErr == nil {
			beamConfigDate = parsed
		}
	}
	d.mu.Lock()
	d.lastRecord = ExposureRecord{
		PfsVisitID:     p.Visit,
		SpsCameraID:    camID,
		ExpTime:        p.ExpTime,
		TimeExpStart:   p.ObsTime,
		TimeExpEnd:     p.ObsTime.Add(time.Duration(p.ExpTime * float64(time.Second))),
		BeamConfigDate: beamConfigDate,
	}
	d.hasRecord = true
	d.mu.Unlock()
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
		return "", fmt.Errorf("ccd: store %s: %w", d.actor, err)
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
	if d.sub != nil {
		return d.Registry.Unsubscribe(d.sub)
	}
	return nil
}
