// Package syncfanout implements the CmdThread/Sync fan-out primitive (§4.4):
// dispatching a batch of independent actor commands concurrently, gating
// each on an optional precondition check against the keyword registry, and
// collecting every failure into a single formatted reply. The erase command
// is its only caller outside the tests.
package syncfanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

// PreCheck consults the keyword registry before a command is dispatched; a
// non-nil failure cancels the thread — no command is sent — and the failure
// is added to the batch's shared accumulator as-is. The concrete Kind and
// wording ("RdaMoveFailed", "SlitMoveFailed", ...) is the caller's choice;
// this package treats it as opaque descriptive text.
type PreCheck func() *failure.Failure

// PostCheck runs after a successful reply and typically republishes
// refreshed status keywords extracted from the reply bundle.
type PostCheck func(reply remote.ReplyBundle)

// CmdThread is one fan-out leg: a single actor/command pair with its own
// time limit and optional pre-/post-check hooks.
type CmdThread struct {
	ActorName string
	CmdStr    string
	TimeLim   time.Duration
	PreCheck  PreCheck
	PostCheck PostCheck

	// Cancelled and Err report this thread's outcome after Process returns;
	// they are write-once from the thread's own goroutine and must only be
	// read once Process's WaitGroup has completed.
	Cancelled bool
	Err       error
}

// Sync owns a list of CmdThread and implements the batch `process(cmd)`
// operation from §4.4.
type Sync struct {
	client  remote.Client
	inform  func(format string, args ...any)
	threads []*CmdThread
}

// New constructs a Sync batch. inform may be nil; it is called once per
// thread with an informational "calling <actor> <cmd>" pre-line before
// dispatch.
func New(client remote.Client, inform func(format string, args ...any), threads ...*CmdThread) *Sync {
	return &Sync{client: client, inform: inform, threads: threads}
}

// Process dispatches every thread concurrently, waits for all of them to
// terminate (reply received or cancelled by a failed pre-check), and
// reports either the formatted failure set or nil on success.
func (s *Sync) Process(ctx context.Context) error {
	fs := failure.NewSet()
	var wg sync.WaitGroup
	for _, th := range s.threads {
		th := th
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runOne(ctx, th, fs)
		}()
	}
	wg.Wait()
	if !fs.Empty() {
		return errors.New(fs.Format())
	}
	return nil
}

func (s *Sync) runOne(ctx context.Context, th *CmdThread, fs *failure.Set) {
	if s.inform != nil {
		s.inform("calling %s %s", th.ActorName, th.CmdStr)
	}
	if th.PreCheck != nil {
		if f := th.PreCheck(); f != nil {
			th.Cancelled = true
			th.Err = f
			fs.AddFailure(f)
			return
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if th.TimeLim > 0 {
		callCtx, cancel = context.WithTimeout(ctx, th.TimeLim)
		defer cancel()
	}

	reply, err := s.client.Call(callCtx, th.ActorName, th.CmdStr, th.TimeLim)
	if err != nil {
		th.Err = err
		fs.Add(err.Error())
		return
	}
	if reply.DidFail {
		th.Err = errors.New(reply.LastFailure)
		fs.Add(reply.LastFailure)
		return
	}
	if th.PostCheck != nil {
		th.PostCheck(reply)
	}
}
