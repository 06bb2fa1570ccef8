package slit

import (
	"context"
	"testing"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

func newTestThread(t *testing.T, fc *remote.FakeClient, reg *keywords.Registry) *Thread {
	t.Helper()
	reg.AddModels("enu_sm1")
	th := New("enu_sm1", fc, reg, [2]float64{100, 2000})
	th.Start()
	t.Cleanup(func() { _ = th.Close() })
	return th
}

func TestRunWaitsForGoSignalThenDispatchesMove(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	fc.SetReply("enu_sm1", "slit linearVerticalMove expTime=15.00 pixelRange=100,2000", remote.ReplyBundle{}, nil)

	th := newTestThread(t, fc, reg)

	done := make(chan *failure.Failure, 1)
	go func() {
		done <- th.Run(context.Background(), 15*time.Second)
	}()

	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("run completed before goSignal was released")
	default:
	}

	th.Release()
	select {
	case f := <-done:
		if f != nil {
			t.Fatalf("unexpected failure: %v", f.Error())
		}
	case <-time.After(time.Second):
		t.Fatal("run did not complete after release")
	}
}

func TestRunPropagatesMoveFailure(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	fc.SetReply("enu_sm1", "slit linearVerticalMove expTime=5.00 pixelRange=100,2000",
		remote.ReplyBundle{DidFail: true, LastFailure: "stalled"}, nil)

	th := newTestThread(t, fc, reg)
	th.Release()

	f := th.Run(context.Background(), 5*time.Second)
	if f == nil {
		t.Fatal("expected a failure")
	}
}

func TestWatchInvokesOnAtSpeedOnceOnFirstTrue(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	th := newTestThread(t, fc, reg)

	var calls int
	th.OnAtSpeed = func() { calls++ }

	reg.Publish("enu_sm1", "slitAtSpeed", "true")
	time.Sleep(5 * time.Millisecond)
	reg.Publish("enu_sm1", "slitAtSpeed", "true")
	time.Sleep(5 * time.Millisecond)

	if calls != 1 {
		t.Fatalf("expected exactly one OnAtSpeed call, got %d", calls)
	}
	if !th.AtSpeed() {
		t.Fatal("expected AtSpeed to report true")
	}
}

func TestWaitAtSpeedReturnsImmediatelyIfAlreadyAtSpeed(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	th := newTestThread(t, fc, reg)

	reg.Publish("enu_sm1", "slitAtSpeed", "true")
	time.Sleep(5 * time.Millisecond)

	f := th.WaitAtSpeed(context.Background(), 50*time.Millisecond)
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
}

func TestWaitAtSpeedTimesOutWhenNeverReported(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	th := newTestThread(t, fc, reg)

	f := th.WaitAtSpeed(context.Background(), 20*time.Millisecond)
	if f == nil {
		t.Fatal("expected a timeout failure")
	}
}
