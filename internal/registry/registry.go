// Package registry implements the process-wide exposure registry (§4.11):
// submit/abort/finish/status against the set of currently-running
// exposures, keyed by visit id. Like internal/keywords.Registry, it is one
// of the two singletons §9 permits — callers obtain it from the top-level
// facade rather than a package-level global.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Subaru-PFS/ics-spsActor/internal/exposure"
)

// Factory instantiates the exposure chosen for req — the command surface
// supplies this after resolving req's variant-selecting fields and wiring
// its collaborators (internal/exposure.New plus whatever detectors/lamp/
// slit threads that variant requires).
type Factory func(req exposure.Request) *exposure.Exposure

// Result carries the outcome submit() reports to its caller: either a
// populated fileIds keyword value, or a formatted failure set (§4.3) —
// never both.
type Result struct {
	FileIDs  string
	Failures string
}

type record struct {
	req           exposure.Request
	exp           *exposure.Exposure
	pendingAbort  bool
	pendingFinish bool
}

// Registry tracks every exposure currently running, one per visit.
type Registry struct {
	mu     sync.Mutex
	active map[int]*record
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{active: make(map[int]*record)}
}

// Submit instantiates the exposure factory builds for req, registers it
// under req.Visit, and runs it to completion: Start, waitForCompletion,
// Store (already performed inside waitForCompletion), Exit, then removal
// from the registry. It fails immediately, without building anything, if
// req.Visit is already ongoing.
//
// Submit blocks its caller for the full exposure duration, matching the
// command surface's synchronous expose-command convention (§6); abort(visit)
// and finish(visit) reach the running exposure from a concurrent command by
// looking it up in the registry while Submit is still blocked inside
// waitForCompletion.
func (r *Registry) Submit(ctx context.Context, req exposure.Request, factory Factory) (Result, error) {
	if err := r.register(req); err != nil {
		return Result{}, err
	}

	exp := factory(req)
	r.attach(req.Visit, exp)
	defer r.remove(req.Visit)
	defer func() { _ = exp.Exit() }()

	exp.Start(ctx)
	fileIds, err := exp.WaitForCompletion(ctx)
	if err != nil {
		return Result{}, err
	}
	if exp.HasFailures() {
		return Result{Failures: exp.Failures()}, nil
	}
	return Result{FileIDs: fileIds}, nil
}

func (r *Registry) register(req exposure.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[req.Visit]; ok {
		return fmt.Errorf("exposure(visit=%d) already ongoing", req.Visit)
	}
	r.active[req.Visit] = &record{req: req}
	return nil
}

func (r *Registry) attach(visit int, exp *exposure.Exposure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[visit]
	if !ok {
		return
	}
	rec.exp = exp
	if rec.pendingAbort {
		exp.Abort()
	}
	if rec.pendingFinish {
		exp.Finish()
	}
}

func (r *Registry) remove(visit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, visit)
}

// Abort looks up visit and forwards an abort; a request arriving before the
// exposure's factory has finished constructing it is queued and applied the
// instant it attaches, since that window is construction-only (no RPCs) and
// never blocks on a remote call.
func (r *Registry) Abort(visit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[visit]
	if !ok {
		return r.notFoundErrLocked(visit)
	}
	if rec.exp != nil {
		rec.exp.Abort()
	} else {
		rec.pendingAbort = true
	}
	return nil
}

// Finish looks up visit and forwards a finish, with the same construction-
// window queuing as Abort.
func (r *Registry) Finish(visit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[visit]
	if !ok {
		return r.notFoundErrLocked(visit)
	}
	if rec.exp != nil {
		rec.exp.Finish()
	} else {
		rec.pendingFinish = true
	}
	return nil
}

func (r *Registry) notFoundErrLocked(visit int) error {
	visits := make([]int, 0, len(r.active))
	for v := range r.active {
		visits = append(visits, v)
	}
	sort.Ints(visits)
	return fmt.Errorf("exposure(visit=%d) not found; valid visits: %v", visit, visits)
}

// Status returns one line per active exposure, in ascending visit order:
// `Exposure(visit=<v> exptype=<t> exptime=<x>)`.
func (r *Registry) Status() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	visits := make([]int, 0, len(r.active))
	for v := range r.active {
		visits = append(visits, v)
	}
	sort.Ints(visits)

	lines := make([]string, 0, len(visits))
	for _, v := range visits {
		rec := r.active[v]
		lines = append(lines, fmt.Sprintf("Exposure(visit=%d exptype=%s exptime=%.2f)",
			rec.req.Visit, rec.req.ExpType, rec.req.ExpTime.Seconds()))
	}
	return lines
}
