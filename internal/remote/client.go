// Package remote implements the remote call client (§4.1): issuing a named
// command to a remote actor under a mandatory time limit and returning a
// reply bundle, with a fire-and-forget variant for commands whose result is
// not awaited.
package remote

import (
	"context"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
)

// ReplyBundle is the result of a completed remote call: whether the actor
// reported failure, the text of its last failure (if any), and the set of
// keyword values it returned alongside the reply.
type ReplyBundle struct {
	DidFail     bool
	LastFailure string
	Keywords    map[string][]string
}

// Client issues commands to remote actors. Every blocking call carries a
// mandatory time limit; expiry comes back as the call's error (HTTPClient
// wraps the transport error, FakeClient returns the context's error).
type Client interface {
	// Call dispatches cmdStr to actor and blocks for the reply, or until
	// timeout elapses.
	Call(ctx context.Context, actor, cmdStr string, timeout time.Duration) (ReplyBundle, error)

	// CallSafe behaves like Call but additionally invokes warn with a
	// short description of the failing actor/command when the call fails,
	// matching §4.1's "safe" variant.
	CallSafe(ctx context.Context, actor, cmdStr string, timeout time.Duration, warn func(actor, cmdStr, reason string)) (ReplyBundle, error)

	// CallNoWait dispatches cmdStr and returns immediately after dispatch;
	// the result is considered successful unless the transport itself
	// fails to send the command.
	CallNoWait(ctx context.Context, actor, cmdStr string) error
}

// TimeoutFailure builds the typed Timeout failure. HTTPClient returns it when
// its breaker is open and when a call ends with neither a response nor an
// error.
func TimeoutFailure(actor, cmdStr string) *failure.Failure {
	return failure.New(failure.KindTimeout, actor, "call "+cmdStr+" exceeded its time limit")
}
