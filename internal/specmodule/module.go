// Package specmodule implements the spectrograph-module exposure sequence
// (§4.7): wiping every owned detector, gating integration on the ENU's
// shutter expose command (for shuttered variants), reading back the
// results, and the finish/abort policy that decides whether to discard or
// read through a shutter failure.
package specmodule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/ccd"
	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/hx"
	"github.com/Subaru-PFS/ics-spsActor/internal/ids"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

// Timeouts carries the remote-call time limits this module applies (§4.7,
// §6). Shutters uses exptime+5s per call rather than a fixed budget; the
// fields below cover the remaining module-level calls.
type Timeouts struct {
	Shutters time.Duration // applied to "exposure finish"
	HxRamp   time.Duration
}

// Module drives one spectrograph module's exposure sequence, owning its CCD
// and (if present) IR detector threads plus the shutter-state watch on its
// ENU actor.
type Module struct {
	SpecNum          int
	EnuActor         string
	Client           remote.Client
	Registry         *keywords.Registry
	CcdDetectors     map[string]*ccd.Detector
	HxDetectors      map[string]*hx.Detector
	SyncSpectrograph bool
	Timeouts         Timeouts

	// PostWipeFunc, if set, runs after Wipe completes and before Integrate —
	// the slit-sliding variant uses this hook to start slit motion and wait
	// for the at-speed event (§4.9) before integration proceeds.
	PostWipeFunc func(ctx context.Context) error

	// OnShuttersOpen/OnShuttersClose are invoked once per exposure on the
	// first "open"/"close" transition observed; the exposure orchestrator
	// wires these to the pfiShutters keyword emission and lamp/IIS
	// rendezvous signals, since those decisions span every module in the
	// exposure (§4.7's shuttersOpenCB/shuttersCloseCB).
	OnShuttersOpen  func()
	OnShuttersClose func()

	doAbort  atomic.Bool
	doFinish atomic.Bool

	mu               sync.Mutex
	wasOpen          bool
	didExpose        bool
	shuttersOpen     bool
	shuttersOpenedAt time.Time

	sub     keywords.Subscription
	stopped chan struct{}
}

// New constructs a Module; call Start before Wipe.
func New(specNum int, client remote.Client, registry *keywords.Registry) *Module {
	return &Module{
		SpecNum:      specNum,
		EnuActor:     fmt.Sprintf("enu_sm%d", specNum),
		Client:       client,
		Registry:     registry,
		CcdDetectors: make(map[string]*ccd.Detector),
		HxDetectors:  make(map[string]*hx.Detector),
		Timeouts:     Timeouts{Shutters: 15 * time.Second, HxRamp: 30 * time.Minute},
		stopped:      make(chan struct{}),
	}
}

// AddCCD registers a CCD detector thread owned by this module.
func (m *Module) AddCCD(cam ids.Camera, d *ccd.Detector) { m.CcdDetectors[cam.String()] = d }

// AddHx registers an IR detector thread owned by this module.
func (m *Module) AddHx(cam ids.Camera, d *hx.Detector) { m.HxDetectors[cam.String()] = d }

// Start begins every owned detector thread and the shutter-state watch.
func (m *Module) Start() {
	for _, c := range m.CcdDetectors {
		c.Start()
	}
	for _, h := range m.HxDetectors {
		h.Start()
	}
	m.sub = m.Registry.Subscribe(m.EnuActor, "shutterState", 16)
	go m.watchShutter()
}

func (m *Module) watchShutter() {
	for {
		select {
		case upd, ok := <-m.sub.C():
			if !ok {
				return
			}
			m.onShutterUpdate(upd.Values)
		case <-m.stopped:
			return
		}
	}
}

func (m *Module) onShutterUpdate(values []string) {
	joined := strings.Join(values, " ")
	isOpen := strings.Contains(joined, "open")
	isClose := strings.Contains(joined, "close")

	m.mu.Lock()
	wasOpenBefore := m.wasOpen
	wasShuttersOpen := m.shuttersOpen
	if isOpen && !m.wasOpen {
		m.wasOpen = true
		m.shuttersOpen = true
		m.shuttersOpenedAt = time.Now()
	}
	if isClose && wasShuttersOpen {
		m.shuttersOpen = false
		m.didExpose = true
	}
	openNow := m.wasOpen && !wasOpenBefore
	closeNow := isClose && wasShuttersOpen
	m.mu.Unlock()

	if openNow {
		if m.OnShuttersOpen != nil {
			m.OnShuttersOpen()
		}
	}
	if closeNow {
		for _, h := range m.HxDetectors {
			h.DeclareFinalRead()
		}
		if m.OnShuttersClose != nil {
			m.OnShuttersClose()
		}
	}
}

// DoAbort sets the shared abort flag; observed at the next ~1ms poll tick
// by any detector's integration loop.
func (m *Module) DoAbort() { m.doAbort.Store(true) }

// DoFinish sets the shared finish flag.
func (m *Module) DoFinish() { m.doFinish.Store(true) }

// AbortFlag/FinishFlag expose the shared cross-thread atomics to detector
// integration loops (§5: "mutable cross-thread flags... use atomic
// booleans").
func (m *Module) AbortFlag() *atomic.Bool  { return &m.doAbort }
func (m *Module) FinishFlag() *atomic.Bool { return &m.doFinish }

func (m *Module) shuttersOpenSnapshot() (open bool, openedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttersOpen, m.shuttersOpenedAt
}

func (m *Module) wasOpenSnapshot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wasOpen
}

// DidExpose reports whether this module's shutters have completed a full
// open/close transition — the per-module half of the "every module
// didExpose" gate on pfiShutters=close (§4.7).
func (m *Module) DidExpose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.didExpose
}

// shutterMask unions the module-local physical-shutter bit for every CCD
// arm present in this module — the bitmask carried on the ENU's "shutters
// expose" command. Unlike fileIds' module-spanning camId mask, this is
// local to the module's own shutters (§4.7).
func (m *Module) shutterMask() uint64 {
	var mask uint64
	for _, c := range m.CcdDetectors {
		mask |= ids.ArmShutterBit(c.Camera.Arm)
	}
	return mask
}

// Wipe issues the IR ramp (if any) first, blocking until it reports
// "reset", then dispatches every CCD wipe concurrently — preserving
// first-read alignment across detector types per §4.6. On any detector
// failure, wipe is fatal to the module's part of the exposure.
func (m *Module) Wipe(ctx context.Context, visit int, exptype string, exptime time.Duration) *failure.Failure {
	for _, h := range m.HxDetectors {
		if f := h.StartRamp(ctx, visit, exptype, exptime, m.Timeouts.HxRamp); f != nil {
			return f
		}
	}

	var wg sync.WaitGroup
	fs := failure.NewSet()
	for _, c := range m.CcdDetectors {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f := c.Wipe(ctx); f != nil {
				fs.AddFailure(f)
			}
		}()
	}
	wg.Wait()
	if !fs.Empty() {
		return failure.New(failure.KindWipeFailed, m.EnuActor, fs.Format())
	}
	return nil
}

// Integrate sends the shutter expose command and returns the ENU's
// authoritative exptime/dateobs. Used by every shuttered variant; the dark
// variant instead drives each detector's own Integrate wait directly.
func (m *Module) Integrate(ctx context.Context, visit int, exptime time.Duration) (time.Duration, time.Time, *failure.Failure) {
	timeLim := exptime + 5*time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeLim)
	defer cancel()

	cmdStr := fmt.Sprintf("shutters expose exptime=%.2f shutterMask=0x%x visit=%d", exptime.Seconds(), m.shutterMask(), visit)
	reply, err := m.Client.Call(callCtx, m.EnuActor, cmdStr, timeLim)
	if err != nil {
		if !m.wasOpenSnapshot() {
			return 0, time.Time{}, failure.New(failure.KindShuttersFailed, m.EnuActor, err.Error())
		}
		actual, obs := m.exptimeFromWallClockWithObs(exptime)
		return actual, obs, failure.New(failure.KindShuttersFailed, m.EnuActor, err.Error())
	}
	if reply.DidFail {
		if !m.wasOpenSnapshot() {
			return 0, time.Time{}, failure.New(failure.KindShuttersFailed, m.EnuActor, reply.LastFailure)
		}
		actual, obs := m.exptimeFromWallClockWithObs(exptime)
		return actual, obs, failure.New(failure.KindShuttersFailed, m.EnuActor, reply.LastFailure)
	}

	actualExptime := exptime
	if v, ok := reply.Keywords["exptime"]; ok && len(v) > 0 {
		if parsed, perr := strconv.ParseFloat(v[0], 64); perr == nil {
			actualExptime = time.Duration(parsed * float64(time.Second))
		}
	}
	dateobs := time.Now()
	if v, ok := reply.Keywords["dateobs"]; ok && len(v) > 0 {
		if parsed, perr := time.Parse(time.RFC3339Nano, v[0]); perr == nil {
			dateobs = parsed
		}
	}
	return actualExptime, dateobs, nil
}

func (m *Module) exptimeFromWallClock(fallback time.Duration) time.Duration {
	open, openedAt := m.shuttersOpenSnapshot()
	if !open || openedAt.IsZero() {
		return fallback
	}
	return time.Since(openedAt)
}

func (m *Module) exptimeFromWallClockWithObs(fallback time.Duration) (time.Duration, time.Time) {
	_, openedAt := m.shuttersOpenSnapshot()
	if openedAt.IsZero() {
		return fallback, time.Now()
	}
	return time.Since(openedAt), openedAt
}

// Read instructs every non-cleared CCD detector to read back, per the
// authoritative exptime/dateobs from Integrate (or the detector's own
// wipedAt-derived values for the dark path, supplied by the caller).
func (m *Module) Read(ctx context.Context, visit int, exptype string, exptime, darktime time.Duration, obstime time.Time) *failure.Failure {
	var wg sync.WaitGroup
	fs := failure.NewSet()
	for _, c := range m.CcdDetectors {
		c := c
		if c.Cleared() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := ccd.ReadParams{ExpType: exptype, Visit: visit, ExpTime: exptime.Seconds(), DarkTime: darktime.Seconds(), ObsTime: obstime}
			if f := c.Read(ctx, p); f != nil {
				fs.AddFailure(f)
			}
		}()
	}
	wg.Wait()
	if !fs.Empty() {
		return failure.New(failure.KindReadFailed, m.EnuActor, fs.Format())
	}
	return nil
}

// Finish implements §4.7's finish/abort policy: if shutters never opened or
// doDiscard is set, every detector is cleared; otherwise, if shutters are
// currently open, "exposure finish" is sent and Finish waits for the close
// event.
func (m *Module) Finish(ctx context.Context, doDiscard bool) *failure.Failure {
	m.doFinish.Store(true)
	if doDiscard || !m.wasOpenSnapshot() {
		for _, c := range m.CcdDetectors {
			_ = c.ClearExposure(ctx)
		}
		return nil
	}

	open, _ := m.shuttersOpenSnapshot()
	if !open {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, m.Timeouts.Shutters)
	defer cancel()
	_, err := m.Client.Call(callCtx, m.EnuActor, "exposure finish", m.Timeouts.Shutters)
	if err != nil {
		return failure.New(failure.KindShuttersFailed, m.EnuActor, err.Error())
	}
	if err := m.waitForShuttersClosed(callCtx); err != nil {
		return failure.New(failure.KindShuttersFailed, m.EnuActor, err.Error())
	}
	return nil
}

func (m *Module) waitForShuttersClosed(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if open, _ := m.shuttersOpenSnapshot(); !open {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Abort is Finish(ctx, doDiscard=true).
func (m *Module) Abort(ctx context.Context) *failure.Failure {
	m.doAbort.Store(true)
	return m.Finish(ctx, true)
}

// Close unsubscribes the shutter-state watch and every owned detector's
// subscriptions, per §9's "subscriptions MUST be removed in exit".
func (m *Module) Close() error {
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
	var firstErr error
	if m.sub != nil {
		if err := m.Registry.Unsubscribe(m.sub); err != nil {
			firstErr = err
		}
	}
	for _, c := range m.CcdDetectors {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, h := range m.HxDetectors {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
