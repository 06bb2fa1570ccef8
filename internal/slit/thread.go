// Package slit implements the slit-motion thread (§4.9) used by the
// slide-slit exposure variants: a `slit linearVerticalMove` command gated on
// a shutter-style goSignal rendezvous, plus a keyword watch that detects
// the ENU's `slitAtSpeed = true` transition for callers gating integration
// on slit motion instead of (or alongside) shutters.
package slit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

const moveOverHead = 20 * time.Second

// Thread drives the slit-motion RPC for one spectrograph module's exposure
// and watches for the at-speed transition.
type Thread struct {
	Actor      string
	Client     remote.Client
	Registry   *keywords.Registry
	PixelRange [2]float64

	// GoSignal is closed to release a thread blocked waiting for its
	// rendezvous (the shutter-open callback, in lamp-+-slit exposures).
	GoSignal chan struct{}

	// OnAtSpeed is invoked once per exposure on the first observed
	// slitAtSpeed=true transition — the lamp-+-slit variant wires this to
	// release the lamp thread's own goSignal (§4.9's "whichever event
	// fires last releases its counterpart").
	OnAtSpeed func()

	mu      sync.Mutex
	atSpeed bool

	sub     keywords.Subscription
	stopped chan struct{}
}

// New constructs a slit Thread against actor (an ENU), targeting the given
// [start, end] pixel range.
func New(actor string, client remote.Client, registry *keywords.Registry, pixelRange [2]float64) *Thread {
	return &Thread{
		Actor:      actor,
		Client:     client,
		Registry:   registry,
		PixelRange: pixelRange,
		GoSignal:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start begins the at-speed keyword watch.
func (t *Thread) Start() {
	t.sub = t.Registry.Subscribe(t.Actor, "slitAtSpeed", 16)
	go t.watch()
}

func (t *Thread) watch() {
	for {
		select {
		case upd, ok := <-t.sub.C():
			if !ok {
				return
			}
			if len(upd.Values) > 0 && upd.Values[0] == "true" {
				t.mu.Lock()
				already := t.atSpeed
				t.atSpeed = true
				t.mu.Unlock()
				if !already && t.OnAtSpeed != nil {
					t.OnAtSpeed()
				}
			}
		case <-t.stopped:
			return
		}
	}
}

// AtSpeed reports whether slitAtSpeed=true has been observed this exposure.
func (t *Thread) AtSpeed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.atSpeed
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

// WaitAtSpeed blocks until slitAtSpeed=true is observed or timeout elapses —
// the lamp-less slit-sliding variant's postWipeFunc uses this to gate
// integration on slit motion in place of a shutter.
func (t *Thread) WaitAtSpeed(ctx context.Context, timeout time.Duration) *failure.Failure {
	if t.AtSpeed() {
		return nil
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if t.AtSpeed() {
			return nil
		}
		select {
		case <-deadlineCtx.Done():
			return failure.New(failure.KindSlitStartFailed, t.Actor, "timed out waiting for slitAtSpeed")
		case <-ticker.C:
		}
	}
}

// Run blocks on GoSignal, then issues the linearVerticalMove command with a
// time limit of exptime+20s.
func (t *Thread) Run(ctx context.Context, exptime time.Duration) *failure.Failure {
	select {
	case <-t.GoSignal:
	case <-ctx.Done():
		return failure.New(failure.KindSlitStartFailed, t.Actor, ctx.Err().Error())
	}

	timeLim := exptime + moveOverHead
	cmdStr := fmt.Sprintf("slit linearVerticalMove expTime=%.2f pixelRange=%.0f,%.0f",
		exptime.Seconds(), t.PixelRange[0], t.PixelRange[1])

	callCtx, cancel := context.WithTimeout(ctx, timeLim)
	defer cancel()
	reply, err := t.Client.Call(callCtx, t.Actor, cmdStr, timeLim)
	if err != nil {
		return failure.New(failure.KindSlitMoveFailed, t.Actor, err.Error())
	}
	if reply.DidFail {
		return failure.New(failure.KindSlitMoveFailed, t.Actor, reply.LastFailure)
	}
	return nil
}

// Close stops the at-speed watch and unsubscribes, per §9's exit-time
// subscription-removal discipline.
func (t *Thread) Close() error {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
	if t.sub != nil {
		return t.Registry.Unsubscribe(t.sub)
	}
	return nil
}
