// Package lamp implements the lamp-control thread variants (§4.8): gating
// lamp actuation on the shutter-open rendezvous, with LampsControl
// (standard), ShutterControlled, and IIS variants distinguished only by
// which steps they skip and which side controls exposure duration.
package lamp

import (
	"context"
	"sync"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

// Kind selects a lamp-control variant.
type Kind int

const (
	// KindStandard: waitForReadySignal, block on goSignal, go, then
	// exp.finish — the lamp controller determines exposure duration.
	KindStandard Kind = iota
	// KindShutterControlled: like standard but `go noWait` plus a 2s
	// safety sleep, with no exp.finish — the shutters determine duration.
	KindShutterControlled
	// KindIIS: skips waitForReadySignal and the post-go exp.finish; its go
	// command is "iis go" issued to the ENU actor.
	KindIIS
)

const (
	readySignalTimeout = 300 * time.Second
	goOverHead         = 60 * time.Second
	shutterSafetySleep = 2 * time.Second
)

// Thread drives one lamp-control thread for the duration of an exposure.
type Thread struct {
	Actor  string
	Client remote.Client
	Kind   Kind

	// GoSignal is closed by the module's shutter-open callback to release
	// a thread blocked waiting for the rendezvous (§4.7's shuttersOpenCB).
	GoSignal chan struct{}

	// ExpFinish calls the owning exposure's finish(cmd); invoked only by
	// the standard variant, once its lamp pulse has completed.
	ExpFinish func(ctx context.Context) *failure.Failure

	readyOnce sync.Once
	ready     chan struct{}
}

// New constructs a lamp-control Thread of the given kind against actor.
func New(actor string, client remote.Client, kind Kind) *Thread {
	return &Thread{Actor: actor, Client: client, Kind: kind, GoSignal: make(chan struct{}), ready: make(chan struct{})}
}

// Release unblocks a thread waiting on GoSignal; safe to call more than
// once.
func (t *Thread) Release() {
	select {
	case <-t.GoSignal:
	default:
		close(t.GoSignal)
	}
}

// abort is currently a no-op by policy (§4.8), preserved for future use.
func (t *Thread) abort(ctx context.Context) {}

// markReady closes ready, safe to call more than once. For
// KindShutterControlled this signals that the "go noWait" pulse plus its 2s
// safety sleep have completed — i.e. the lamp is actually illuminating —
// and the shutter-controlled caller's WaitReady may proceed.
func (t *Thread) markReady() {
	t.readyOnce.Do(func() { close(t.ready) })
}

// WaitReady blocks until the thread reaches its ready point (§4.8's
// ShutterControlled: "thus the shutters can be opened" only once the lamp's
// go-noWait pulse and safety sleep have both completed). Every Run path
// marks ready via a deferred call, so a failure elsewhere never leaves a
// waiter blocked.
func (t *Thread) WaitReady(ctx context.Context) *failure.Failure {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return failure.New(failure.KindLampsFailed, t.Actor, ctx.Err().Error())
	}
}

// Run drives the thread's variant-specific sequence for one exposure of
// duration exptime. On any failure, abort is invoked (a no-op today) and
// the failure is returned for the exposure to propagate. ready is always
// closed on return so a WaitReady caller is never left blocked.
func (t *Thread) Run(ctx context.Context, exptime time.Duration) *failure.Failure {
	defer t.markReady()
	switch t.Kind {
	case KindIIS:
		return t.runIIS(ctx, exptime)
	case KindShutterControlled:
		return t.runShutterControlled(ctx, exptime)
	default:
		return t.runStandard(ctx, exptime)
	}
}

func (t *Thread) waitReady(ctx context.Context) *failure.Failure {
	callCtx, cancel := context.WithTimeout(ctx, readySignalTimeout)
	defer cancel()
	reply, err := t.Client.Call(callCtx, t.Actor, "waitForReadySignal", readySignalTimeout)
	if err != nil {
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, err.Error())
	}
	if reply.DidFail {
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, reply.LastFailure)
	}
	return nil
}

func (t *Thread) waitForGoSignal(ctx context.Context) *failure.Failure {
	select {
	case <-t.GoSignal:
		return nil
	case <-ctx.Done():
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, ctx.Err().Error())
	}
}

func (t *Thread) runStandard(ctx context.Context, exptime time.Duration) *failure.Failure {
	if f := t.waitReady(ctx); f != nil {
		return f
	}
	if f := t.waitForGoSignal(ctx); f != nil {
		return f
	}

	timeLim := exptime + goOverHead
	callCtx, cancel := context.WithTimeout(ctx, timeLim)
	defer cancel()
	reply, err := t.Client.Call(callCtx, t.Actor, "go", timeLim)
	if err != nil {
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, err.Error())
	}
	if reply.DidFail {
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, reply.LastFailure)
	}

	if t.ExpFinish != nil {
		if f := t.ExpFinish(ctx); f != nil {
			return f
		}
	}
	return nil
}

func (t *Thread) runShutterControlled(ctx context.Context, exptime time.Duration) *failure.Failure {
	if f := t.waitReady(ctx); f != nil {
		return f
	}
	if f := t.waitForGoSignal(ctx); f != nil {
		return f
	}

	if err := t.Client.CallNoWait(ctx, t.Actor, "go noWait"); err != nil {
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, err.Error())
	}

	select {
	case <-time.After(shutterSafetySleep):
	case <-ctx.Done():
		t.abort(ctx)
		return failure.New(failure.KindLampsFailed, t.Actor, ctx.Err().Error())
	}
	return nil
}

func (t *Thread) runIIS(ctx context.Context, exptime time.Duration) *failure.Failure {
	if f := t.waitForGoSignal(ctx); f != nil {
		return f
	}

	timeLim := exptime + goOverHead
	callCtx, cancel := context.WithTimeout(ctx, timeLim)
	defer cancel()
	reply, err := t.Client.Call(callCtx, t.Actor, "iis go", timeLim)
	if err != nil {
		t.abort(ctx)
		return failure.New(failure.KindIisFailed, t.Actor, err.Error())
	}
	if reply.DidFail {
		t.abort(ctx)
		return failure.New(failure.KindIisFailed, t.Actor, reply.LastFailure)
	}
	return nil
}
