// Package exposure implements the top-level exposure orchestrator (§4.10):
// variant selection, concurrent per-module sequencing, the lamp/slit
// rendezvous wiring, fileIds/visit persistence, and the waitForCompletion /
// store / exit lifecycle.
package exposure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/config"
	"github.com/Subaru-PFS/ics-spsActor/internal/ccd"
	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/hx"
	"github.com/Subaru-PFS/ics-spsActor/internal/ids"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/lamp"
	"github.com/Subaru-PFS/ics-spsActor/internal/persist"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
	"github.com/Subaru-PFS/ics-spsActor/internal/slit"
	"github.com/Subaru-PFS/ics-spsActor/internal/specmodule"
)

// Kind classifies the exposure variant selected at submission time (§4.10).
type Kind int

const (
	DarkExposure Kind = iota
	SlitSlideLampTimed
	SlitSlideStandalone
	LampTimed
	ShutterTimedWithLamps
	PlainShuttered
)

func (k Kind) String() string {
	switch k {
	case DarkExposure:
		return "dark"
	case SlitSlideLampTimed:
		return "slit-slide-lamp-timed"
	case SlitSlideStandalone:
		return "slit-slide-standalone"
	case LampTimed:
		return "lamp-timed"
	case ShutterTimedWithLamps:
		return "shutter-timed-with-lamps"
	default:
		return "plain-shuttered"
	}
}

// Request is the orchestrator's fully-resolved input for one exposure,
// assembled by the command surface from a parsed expose command.
type Request struct {
	Visit           int
	ExpType         string
	ExpTime         time.Duration
	Cams            []ids.Camera
	DoLamps         bool
	DoShutterTiming bool
	DoIIS           bool
	DoTest          bool
	DoSlideSlit     bool
	DoScienceCheck  bool
	SlitPixelRange  [2]float64

	// LightSource governs per-CCD read-failure recovery (§4.5/§4.12): "pfi"
	// keeps data and halts the state machine rather than clearing locally.
	LightSource string
}

// Classify selects exactly one Kind for req, per §4.10's decision table.
func Classify(req Request) Kind {
	switch {
	case req.ExpType == "bias" || req.ExpType == "dark":
		return DarkExposure
	case req.DoSlideSlit && (req.DoLamps || req.DoIIS):
		return SlitSlideLampTimed
	case req.DoSlideSlit:
		return SlitSlideStandalone
	case req.DoLamps && !req.DoShutterTiming:
		return LampTimed
	case req.DoLamps && req.DoShutterTiming:
		return ShutterTimedWithLamps
	default:
		return PlainShuttered
	}
}

const (
	atSpeedWatchdogOverHead = 30 * time.Second
	hxFinalizeTimeout       = 30 * time.Second
)

// selfActor is the keyword actor name this orchestrator publishes its own
// keywords under (pfiShutters, fiberIllumination), distinct from any remote
// actor it dispatches commands to. fileIds is not published; it is returned
// by WaitForCompletion.
const selfActor = "sps"

// rendezvous tracks the per-module shutter-open / slit-at-speed pair for the
// SlitSlideLampTimed variant, whose lamp goSignal is released by whichever
// event observes the other already true (§4.9's "whichever fires last
// releases its counterpart").
type rendezvous struct {
	mu          sync.Mutex
	shutterOpen bool
	slitAtSpeed bool
}

// Exposure owns every thread-equivalent collaborator for one visit: one
// specmodule.Module per involved spectrograph, an optional lamp and/or slit
// thread per module, and the shared failure accumulator (§3's Exposure
// entity).
type Exposure struct {
	Visit   int
	Request Request
	Kind    Kind

	Modules     map[int]*specmodule.Module
	LampThreads map[int]*lamp.Thread
	SlitThreads map[int]*slit.Thread

	visitSink persist.VisitSink
	registry  *keywords.Registry

	rendezvous map[int]*rendezvous

	// wipeDone is the cross-module "all detectors wiped" barrier (§5's
	// ordering guarantee, gated on SyncSpectrograph): sized to len(Modules),
	// each module's goroutine counts down once its own Wipe concludes and
	// waits on it before opening its shutter.
	wipeDone sync.WaitGroup

	doAbort  atomic.Bool
	doFinish atomic.Bool
	finished atomic.Bool

	shutterOpened        atomic.Bool
	shutterClosed        atomic.Bool
	doUpdateEngineering  bool
	doUpdateScienceFiber bool

	fs *failure.Set

	startOnce sync.Once
	done      chan struct{}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// New constructs an Exposure for req, wiring one specmodule.Module per
// spectrograph referenced by req.Cams (an hx.Detector for the IR arm, a
// ccd.Detector for every other arm) and the lamp/slit collaborators its
// Kind requires. Call Start to launch it.
func New(cfg *config.InstrumentConfig, req Request, client remote.Client, registry *keywords.Registry, exposureSink persist.ExposureSink, visitSink persist.VisitSink, lampActor string, pfsDesign string) *Exposure {
	e := &Exposure{
		Visit:       req.Visit,
		Request:     req,
		Kind:        Classify(req),
		Modules:     make(map[int]*specmodule.Module),
		LampThreads: make(map[int]*lamp.Thread),
		SlitThreads: make(map[int]*slit.Thread),
		visitSink:   visitSink,
		registry:    registry,
		rendezvous:  make(map[int]*rendezvous),
		fs:          failure.NewSet(),
		done:        make(chan struct{}),

		doUpdateEngineering:  cfg.DoUpdateEngineeringFiberStatus,
		doUpdateScienceFiber: cfg.DoUpdateScienceFiberStatus,
	}

	hxCfg := hx.Config{
		ReadTime:        durationFromSeconds(cfg.ReadTimeForArm("n")),
		ExpTimeOverHead: durationFromSeconds(cfg.ExpTimeOverHead),
		NReadMin:        cfg.Ramp.NReadMin,
		NExtraRead:      cfg.Ramp.NExtraRead,
	}
	ccdTimeouts := ccd.Timeouts{
		Wipe:  durationFromSeconds(cfg.Timeouts.Wipe),
		Read:  durationFromSeconds(cfg.Timeouts.Read),
		Clear: ccd.DefaultTimeouts().Clear,
	}

	for sm, arms := range ids.ArmsPerSpectrograph(req.Cams) {
		mod := specmodule.New(sm, client, registry)
		mod.Timeouts = specmodule.Timeouts{
			Shutters: durationFromSeconds(cfg.Timeouts.Shutters),
			HxRamp:   durationFromSeconds(cfg.Timeouts.HxRamp),
		}
		mod.SyncSpectrograph = cfg.DoSyncSpectrograph

		for _, arm := range arms {
			cam := ids.Camera{Arm: arm, SpecNum: sm}
			if arm.IsIR() {
				d := hx.New(cam, client, registry, hxCfg, exposureSink)
				d.PfsDesign = pfsDesign
				mod.AddHx(cam, d)
			} else {
				d := ccd.New(cam, client, registry, exposureSink)
				d.Timeouts = ccdTimeouts
				d.LightSource = req.LightSource
				d.PfsDesign = pfsDesign
				mod.AddCCD(cam, d)
			}
		}

		e.Modules[sm] = mod
		e.rendezvous[sm] = &rendezvous{}

		if req.DoLamps {
			kind := lamp.KindStandard
			if req.DoShutterTiming {
				kind = lamp.KindShutterControlled
			}
			e.LampThreads[sm] = lamp.New(lampActor, client, kind)
		} else if req.DoIIS {
			e.LampThreads[sm] = lamp.New(mod.EnuActor, client, lamp.KindIIS)
		}

		if req.DoSlideSlit {
			e.SlitThreads[sm] = slit.New(mod.EnuActor, client, registry, req.SlitPixelRange)
		}
	}

	e.wipeDone.Add(len(e.Modules))
	e.wireCallbacks()
	return e
}

func (e *Exposure) wireCallbacks() {
	for sm, mod := range e.Modules {
		sm, mod := sm, mod
		rv := e.rendezvous[sm]
		lampTh := e.LampThreads[sm]
		slitTh := e.SlitThreads[sm]

		switch e.Kind {
		case SlitSlideStandalone:
			if slitTh != nil {
				mod.PostWipeFunc = func(ctx context.Context) error {
					slitTh.Release()
					go func() { _ = slitTh.Run(context.Background(), e.Request.ExpTime) }()
					if f := slitTh.WaitAtSpeed(ctx, e.Request.ExpTime+atSpeedWatchdogOverHead); f != nil {
						return f
					}
					return nil
				}
			}
		case SlitSlideLampTimed:
			mod.OnShuttersOpen = func() {
				rv.mu.Lock()
				rv.shutterOpen = true
				atSpeed := rv.slitAtSpeed
				rv.mu.Unlock()
				if slitTh != nil {
					slitTh.Release()
					go func() { _ = slitTh.Run(context.Background(), e.Request.ExpTime) }()
				}
				if atSpeed && lampTh != nil {
					lampTh.Release()
				}
			}
			if slitTh != nil {
				slitTh.OnAtSpeed = func() {
					rv.mu.Lock()
					rv.slitAtSpeed = true
					open := rv.shutterOpen
					rv.mu.Unlock()
					if open && lampTh != nil {
						lampTh.Release()
					}
				}
			}
		case ShutterTimedWithLamps:
			// §4.8 ShutterControlled: the lamp's "go noWait" + safety sleep
			// must complete — i.e. the lamp is actually illuminating —
			// before the shutter opens, not after. Release the lamp's
			// goSignal once this module's detectors are wiped, and gate the
			// shutter-expose call on the lamp reporting ready.
			if lampTh != nil {
				mod.PostWipeFunc = func(ctx context.Context) error {
					lampTh.Release()
					if f := lampTh.WaitReady(ctx); f != nil {
						return f
					}
					return nil
				}
			}
		default:
			if lampTh != nil {
				mod.OnShuttersOpen = func() { lampTh.Release() }
			}
		}

		if lampTh != nil && lampTh.Kind == lamp.KindStandard {
			lampTh.ExpFinish = func(ctx context.Context) *failure.Failure {
				return mod.Finish(ctx, false)
			}
		}
		if slitTh != nil {
			slitTh.Start()
		}

		// pfiShutters=open|close and fiberIllumination emission (§4.7, §6.2)
		// span every module in the exposure, so they are wired here as a
		// wrapper around whichever Kind-specific callback above was set,
		// rather than per-Kind.
		prevOpen := mod.OnShuttersOpen
		mod.OnShuttersOpen = func() {
			if prevOpen != nil {
				prevOpen()
			}
			e.onAnyShutterOpen()
		}
		prevClose := mod.OnShuttersClose
		mod.OnShuttersClose = func() {
			if prevClose != nil {
				prevClose()
			}
			e.onAllShuttersClosed()
		}
	}
}

// onAnyShutterOpen runs once per exposure, on the first shutter-open
// transition observed across any module — the Go analogue of
// genShutterKey('open', ...). pfiShutters is only ever emitted for
// pfi-connected light sources.
func (e *Exposure) onAnyShutterOpen() {
	if !e.shutterOpened.CompareAndSwap(false, true) {
		return
	}
	if e.Request.LightSource == "pfi" && e.registry != nil {
		e.registry.Publish(selfActor, "pfiShutters", "open")
	}
}

// onAllShuttersClosed runs once per exposure, gated on every module having
// didExpose (§4.7, §11 Open Question 3): a module that opened but failed
// mid-exposure withholds the event for the whole visit. It emits
// pfiShutters=close for pfi-connected light sources, then always computes
// and emits fiberIllumination — mirroring genShutterKey('close', ...)'s
// unconditional call into genIlluminationStatus.
func (e *Exposure) onAllShuttersClosed() {
	for _, mod := range e.Modules {
		if !mod.DidExpose() {
			return
		}
	}
	if !e.shutterClosed.CompareAndSwap(false, true) {
		return
	}
	if e.Request.LightSource == "pfi" && e.registry != nil {
		e.registry.Publish(selfActor, "pfiShutters", "close")
	}
	e.emitFiberIllumination()
}

// emitFiberIllumination publishes the fiberIllumination=<visit>,0x<byte>
// keyword (§6.2): 2 bits per spectrograph module (engineering fiber at bit
// 2·(sm-1), science fibers at bit 2·(sm-1)+1), both set by default and
// cleared when that fiber group was not illuminated during the exposure.
//
// The original checks live keyword-variable state from the IIS/lamp
// controllers (iisIlluminated/illuminated); this orchestrator has no such
// live telemetry model, so engineering-fiber illumination is taken from
// whether IIS was actually requested for the exposure, and science-fiber
// illumination from whether lamps were requested for an arc/flat exposure
// (a pfi-connected light source is always considered illuminated, matching
// the original's documented "illuminated=True for pfi" resolution). Both
// checks are further gated by config's doUpdateEngineeringFiberStatus /
// doUpdateScienceFiberStatus, which default a fiber group to "illuminated"
// without checking anything when the corresponding status tracking is
// disabled.
func (e *Exposure) emitFiberIllumination() {
	if e.registry == nil {
		return
	}

	var illum uint64
	for sm := 1; sm <= 4; sm++ {
		if _, ok := e.Modules[sm]; !ok {
			continue
		}

		status := uint64(3)
		if e.doUpdateEngineering && !e.Request.DoIIS {
			status &^= 1
		}
		if e.doUpdateScienceFiber && !e.scienceFibersIlluminated() {
			status &^= 2
		}
		illum |= status << uint((sm-1)*2)
	}

	e.registry.Publish(selfActor, "fiberIllumination", fmt.Sprintf("%d,0x%02x", e.Visit, illum))
}

// scienceFibersIlluminated mirrors SmThread.illuminated(): trusted as
// illuminated unless this is an arc/flat exposure with no lamps requested
// and no PFI light source.
func (e *Exposure) scienceFibersIlluminated() bool {
	if e.Request.ExpType != "arc" && e.Request.ExpType != "flat" {
		return true
	}
	if e.Request.LightSource == "pfi" {
		return true
	}
	return e.Request.DoLamps
}

// Start launches every owned thread concurrently. Safe to call only once;
// subsequent calls are no-ops.
func (e *Exposure) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for _, mod := range e.Modules {
			mod.Start()
		}
		go e.run(ctx)
	})
}

func (e *Exposure) run(ctx context.Context) {
	var wg sync.WaitGroup

	for sm, mod := range e.Modules {
		sm, mod := sm, mod
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runModule(ctx, sm, mod)
		}()
	}

	for sm, lth := range e.LampThreads {
		sm, lth := sm, lth
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f := lth.Run(ctx, e.Request.ExpTime); f != nil {
				e.fs.AddFailure(f)
				if mod, ok := e.Modules[sm]; ok {
					mod.DoAbort()
				}
			}
		}()
	}

	if e.Kind != SlitSlideStandalone {
		for sm, sth := range e.SlitThreads {
			sm, sth := sm, sth
			wg.Add(1)
			go func() {
				defer wg.Done()
				if f := sth.Run(ctx, e.Request.ExpTime); f != nil {
					e.fs.AddFailure(f)
					if mod, ok := e.Modules[sm]; ok {
						mod.DoAbort()
					}
				}
			}()
		}
	}

	wg.Wait()
	e.finished.Store(true)
	close(e.done)
}

// runModule drives one spectrograph module's wipe/integrate/read/finish
// sequence, selecting the dark-specific integration path (each CCD's own
// wall-clock wait, per detector) or the shuttered RPC path according to
// Kind.
func (e *Exposure) runModule(ctx context.Context, sm int, mod *specmodule.Module) {
	req := e.Request
	lampHandlesFinish := false
	if lth, ok := e.LampThreads[sm]; ok && lth.Kind == lamp.KindStandard {
		lampHandlesFinish = true
	}
	wipeFailure := mod.Wipe(ctx, req.Visit, req.ExpType, req.ExpTime)
	e.wipeDone.Done()
	if wipeFailure != nil {
		e.fs.AddFailure(wipeFailure)
		return
	}

	if mod.PostWipeFunc != nil {
		if err := mod.PostWipeFunc(ctx); err != nil {
			mod.DoAbort()
			if ff, ok := err.(*failure.Failure); ok {
				e.fs.AddFailure(ff)
			} else {
				e.fs.AddFailure(failure.New(failure.KindSlitStartFailed, mod.EnuActor, err.Error()))
			}
			return
		}
	}

	var actual time.Duration
	var dateobs time.Time

	if e.Kind == DarkExposure {
		actual, dateobs = e.integrateDark(ctx, mod)
	} else {
		if mod.SyncSpectrograph {
			// Block this module's shutter-open until every module in the
			// exposure has finished wiping (§5's cross-detector alignment
			// guarantee), not just this one.
			e.wipeDone.Wait()
		}
		var f *failure.Failure
		actual, dateobs, f = mod.Integrate(ctx, req.Visit, req.ExpTime)
		if f != nil {
			e.fs.AddFailure(f)
		}
	}
	if dateobs.IsZero() {
		dateobs = time.Now()
	}

	if f := mod.Read(ctx, req.Visit, req.ExpType, actual, 0, dateobs); f != nil {
		e.fs.AddFailure(f)
	}

	e.finalizeHx(ctx, mod, req.Visit, actual, dateobs)

	if e.Kind == DarkExposure {
		if e.doAbort.Load() {
			for _, c := range mod.CcdDetectors {
				_ = c.ClearExposure(ctx)
			}
		}
		return
	}

	if lampHandlesFinish {
		// The standard lamp thread's own ExpFinish callback calls
		// mod.Finish once its "go" pulse completes (§4.8); calling it again
		// here would race a duplicate "exposure finish" dispatch.
		return
	}

	if f := mod.Finish(ctx, e.doAbort.Load()); f != nil {
		e.fs.AddFailure(f)
	}
}

// integrateDark runs every owned CCD's local wall-clock integration wait
// concurrently — the bias/dark variant has no shutter to gate on.
func (e *Exposure) integrateDark(ctx context.Context, mod *specmodule.Module) (time.Duration, time.Time) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var dateobs time.Time
	actual := e.Request.ExpTime

	for _, c := range mod.CcdDetectors {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			at, _, f := c.Integrate(ctx, e.Request.ExpTime, mod.AbortFlag(), mod.FinishFlag())
			if f != nil && f.Kind != failure.KindEarlyFinish {
				e.fs.AddFailure(f)
				return
			}
			mu.Lock()
			if dateobs.IsZero() {
				dateobs = at
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return actual, dateobs
}

// finalizeHx waits for each owned IR detector's ramp to conclude and
// records its exposure row — using the dark-specific nRead0*readTime timing
// for the dark variant, or the shuttered actual exptime/dateobs otherwise.
func (e *Exposure) finalizeHx(ctx context.Context, mod *specmodule.Module, visit int, exptime time.Duration, obstime time.Time) {
	for _, h := range mod.HxDetectors {
		e.waitHxDone(ctx, h)
		if e.Kind == DarkExposure {
			darkExptime, darkObstime := h.FinalizeDark()
			h.CaptureRecord(visit, darkExptime, darkObstime)
			continue
		}
		h.CaptureRecord(visit, exptime, obstime)
	}
}

func (e *Exposure) waitHxDone(ctx context.Context, h *hx.Detector) {
	deadline := time.Now().Add(hxFinalizeTimeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		switch h.State() {
		case hx.RampDone, hx.RampFailed:
			return
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Abort sets the shared abort flag, observed by every polling loop at its
// next ~1ms tick (§5).
func (e *Exposure) Abort() {
	e.doAbort.Store(true)
	for _, mod := range e.Modules {
		mod.DoAbort()
	}
}

// Finish sets the shared finish flag; integration loops exit at their next
// tick without discarding already-captured data.
func (e *Exposure) Finish() {
	e.doFinish.Store(true)
	for _, mod := range e.Modules {
		mod.DoFinish()
	}
}

// IsFinished reports whether every module thread has completed.
func (e *Exposure) IsFinished() bool { return e.finished.Load() }

// Failures returns the formatted, deduplicated failure set accumulated so
// far (§4.3).
func (e *Exposure) Failures() string { return e.fs.Format() }

// HasFailures reports whether any failure has been recorded.
func (e *Exposure) HasFailures() bool { return !e.fs.Empty() }

// WaitForCompletion polls IsFinished at ~1ms (§4.10), stores any completed
// detector once finished, and returns the fileIds keyword value.
func (e *Exposure) WaitForCompletion(ctx context.Context) (string, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !e.IsFinished() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
	if e.anyStorable() {
		if err := e.Store(ctx); err != nil {
			return "", err
		}
	}
	return e.FileIDs(), nil
}

func (e *Exposure) anyStorable() bool {
	for _, mod := range e.Modules {
		for _, c := range mod.CcdDetectors {
			if c.Storable() {
				return true
			}
		}
		for _, h := range mod.HxDetectors {
			if h.Storable() {
				return true
			}
		}
	}
	return false
}

// Store inserts the sps_visit row and, for every storable detector, its
// sps_exposure row (§4.10's store(cmd, visit)).
func (e *Exposure) Store(ctx context.Context) error {
	if e.visitSink != nil {
		if err := e.visitSink.InsertVisit(ctx, persist.VisitRecord{PfsVisitID: e.Visit, ExpType: e.Request.ExpType}); err != nil {
			return fmt.Errorf("exposure: store visit %d: %w", e.Visit, err)
		}
	}
	for _, mod := range e.Modules {
		for _, c := range mod.CcdDetectors {
			if !c.Storable() {
				continue
			}
			if _, err := c.Store(ctx); err != nil {
				return err
			}
		}
		for _, h := range mod.HxDetectors {
			if !h.Storable() {
				continue
			}
			if _, err := h.Store(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// FileIDs computes the fileIds keyword value: visit id, semicolon-joined
// camera names, and a hex bitmask with bit i set iff camId=i+1 holds data
// (§4.10, §6).
func (e *Exposure) FileIDs() string {
	type entry struct {
		id   int
		name string
	}
	var entries []entry
	var mask uint64

	for _, mod := range e.Modules {
		for _, c := range mod.CcdDetectors {
			if !c.Storable() {
				continue
			}
			if id, err := c.Camera.CamID(); err == nil {
				mask |= ids.CamMaskBit(id)
				entries = append(entries, entry{id, c.Camera.String()})
			}
		}
		for _, h := range mod.HxDetectors {
			if !h.Storable() {
				continue
			}
			if id, err := h.Camera.CamID(); err == nil {
				mask |= ids.CamMaskBit(id)
				entries = append(entries, entry{id, h.Camera.String()})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	names := make([]string, len(entries))
	for i, ent := range entries {
		names[i] = ent.name
	}
	return fmt.Sprintf("%d,\"%s\",0x%x", e.Visit, strings.Join(names, ";"), mask)
}

// Exit unsubscribes every owned keyword subscription and releases every
// collaborator, per §4.10's exit() and §9's exit-time subscription-removal
// discipline.
func (e *Exposure) Exit() error {
	var firstErr error
	for _, mod := range e.Modules {
		if err := mod.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sth := range e.SlitThreads {
		if err := sth.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.Modules = nil
	e.LampThreads = nil
	e.SlitThreads = nil
	return firstErr
}
