package remote

import (
	"context"
	"sync"
	"time"
)

// FakeReply is a single canned reply or error a FakeClient returns for a
// given actor/command pair.
type FakeReply struct {
	Bundle ReplyBundle
	Err    error
	// Delay, if set, is slept before returning — used to exercise callers'
	// own timeout handling without a real network round trip.
	Delay time.Duration
}

// FakeClient is a table-driven, in-memory Client used throughout this
// repository's test suite: canned replies are registered per actor/command,
// and every call made through it is recorded for later assertion.
type FakeClient struct {
	mu       sync.Mutex
	replies  map[string][]FakeReply
	defaultB ReplyBundle
	calls    []FakeCall
}

// FakeCall records one invocation made against a FakeClient.
type FakeCall struct {
	Actor   string
	CmdStr  string
	Timeout time.Duration
	NoWait  bool
	At      time.Time
}

// NewFakeClient returns an empty FakeClient; register replies with
// SetReply/QueueReply before use.
func NewFakeClient() *FakeClient {
	return &FakeClient{replies: make(map[string][]FakeReply)}
}

func fakeKey(actor, cmdStr string) string { return actor + " " + cmdStr }

// SetReply registers the reply returned for every future call matching
// actor/cmdStr (overwriting any queue already registered for that pair).
func (f *FakeClient) SetReply(actor, cmdStr string, bundle ReplyBundle, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[fakeKey(actor, cmdStr)] = []FakeReply{{Bundle: bundle, Err: err}}
}

// QueueReply appends a reply to the queue for actor/cmdStr; successive calls
// consume the queue in FIFO order, falling back to the last entry once
// exhausted. Useful for exercising retry/flap scenarios.
func (f *FakeClient) QueueReply(actor, cmdStr string, reply FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(actor, cmdStr)
	f.replies[key] = append(f.replies[key], reply)
}

// Calls returns a copy of every call recorded so far, in order.
func (f *FakeClient) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeClient) nextReply(actor, cmdStr string) FakeReply {
	key := fakeKey(actor, cmdStr)
	queue := f.replies[key]
	if len(queue) == 0 {
		return FakeReply{Bundle: f.defaultB}
	}
	reply := queue[0]
	if len(queue) > 1 {
		f.replies[key] = queue[1:]
	}
	return reply
}

func (f *FakeClient) record(call FakeCall) {
	call.At = time.Now()
	f.calls = append(f.calls, call)
}

// Call implements Client.
func (f *FakeClient) Call(ctx context.Context, actor, cmdStr string, timeout time.Duration) (ReplyBundle, error) {
	f.mu.Lock()
	f.record(FakeCall{Actor: actor, CmdStr: cmdStr, Timeout: timeout})
	reply := f.nextReply(actor, cmdStr)
	f.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return ReplyBundle{}, ctx.Err()
		}
	}
	if reply.Err != nil {
		return ReplyBundle{}, reply.Err
	}
	return reply.Bundle, nil
}

// CallSafe implements Client, invoking warn on either a transport error or a
// bundle reporting DidFail.
func (f *FakeClient) CallSafe(ctx context.Context, actor, cmdStr string, timeout time.Duration, warn func(actor, cmdStr, reason string)) (ReplyBundle, error) {
	rb, err := f.Call(ctx, actor, cmdStr, timeout)
	if err != nil {
		if warn != nil {
			warn(actor, cmdStr, err.Error())
		}
		return rb, err
	}
	if rb.DidFail && warn != nil {
		warn(actor, cmdStr, rb.LastFailure)
	}
	return rb, nil
}

// CallNoWait implements Client: it records the call and returns the
// registered error (if any) immediately, without a dispatch delay.
func (f *FakeClient) CallNoWait(ctx context.Context, actor, cmdStr string) error {
	f.mu.Lock()
	f.record(FakeCall{Actor: actor, CmdStr: cmdStr, NoWait: true})
	reply := f.nextReply(actor, cmdStr)
	f.mu.Unlock()
	return reply.Err
}

var _ Client = (*FakeClient)(nil)
