package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeClientReturnsRegisteredReply(t *testing.T) {
	f := NewFakeClient()
	f.SetReply("ccd_b1", "wipe", ReplyBundle{Keywords: map[string][]string{"exposureState": {"wiping"}}}, nil)

	rb, err := f.Call(context.Background(), "ccd_b1", "wipe", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rb.Keywords["exposureState"][0] != "wiping" {
		t.Fatalf("unexpected keywords: %+v", rb.Keywords)
	}
}

func TestFakeClientReturnsRegisteredError(t *testing.T) {
	f := NewFakeClient()
	wantErr := errors.New("boom")
	f.SetReply("ccd_b1", "wipe", ReplyBundle{}, wantErr)

	_, err := f.Call(context.Background(), "ccd_b1", "wipe", time.Second)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected registered error, got %v", err)
	}
}

func TestFakeClientQueueConsumesInOrderThenSticks(t *testing.T) {
	f := NewFakeClient()
	f.QueueReply("ccd_b1", "read", FakeReply{Bundle: ReplyBundle{LastFailure: "first"}})
	f.QueueReply("ccd_b1", "read", FakeReply{Bundle: ReplyBundle{LastFailure: "second"}})

	rb1, _ := f.Call(context.Background(), "ccd_b1", "read", time.Second)
	rb2, _ := f.Call(context.Background(), "ccd_b1", "read", time.Second)
	rb3, _ := f.Call(context.Background(), "ccd_b1", "read", time.Second)

	if rb1.LastFailure != "first" || rb2.LastFailure != "second" || rb3.LastFailure != "second" {
		t.Fatalf("unexpected sequence: %q %q %q", rb1.LastFailure, rb2.LastFailure, rb3.LastFailure)
	}
}

func TestFakeClientCallSafeWarnsOnFailure(t *testing.T) {
	f := NewFakeClient()
	f.SetReply("ccd_b1", "read", ReplyBundle{DidFail: true, LastFailure: "CCDMotorsBad(b1 with jammed)"}, nil)

	var warned string
	_, _ = f.CallSafe(context.Background(), "ccd_b1", "read", time.Second, func(actor, cmdStr, reason string) {
		warned = reason
	})
	if warned != "CCDMotorsBad(b1 with jammed)" {
		t.Fatalf("expected warn callback invoked with failure reason, got %q", warned)
	}
}

func TestFakeClientCallHonorsContextCancelOverDelay(t *testing.T) {
	f := NewFakeClient()
	f.QueueReply("ccd_b1", "slow", FakeReply{Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Call(ctx, "ccd_b1", "slow", time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestFakeClientCallNoWaitRecordsCall(t *testing.T) {
	f := NewFakeClient()
	if err := f.CallNoWait(context.Background(), "lampsActor", "go"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 1 || !calls[0].NoWait || calls[0].CmdStr != "go" {
		t.Fatalf("unexpected recorded calls: %+v", calls)
	}
}
