package ccd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/internal/ids"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

type fakePersister struct {
	records []ExposureRecord
}

func (f *fakePersister) InsertExposure(ctx context.Context, rec ExposureRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func newTestDetector(t *testing.T, fc *remote.FakeClient, reg *keywords.Registry, camName string) *Detector {
	t.Helper()
	cam, err := ids.ParseCamera(camName)
	if err != nil {
		t.Fatalf("parse camera: %v", err)
	}
	d := New(cam, fc, reg, &fakePersister{})
	d.Timeouts = Timeouts{Wipe: time.Second, Read: time.Second, Clear: time.Second}
	d.Start()
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestWipeWaitsForIntegratingState(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	fc.SetReply("ccd_b1", "wipe", remote.ReplyBundle{}, nil)

	d := newTestDetector(t, fc, reg, "b1")

	done := make(chan struct{})
	go func() {
		if f := d.Wipe(context.Background()); f != nil {
			t.Errorf("unexpected wipe failure: %v", f)
		}
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	reg.Publish("ccd_b1", "exposureState", "wiping")
	reg.Publish("ccd_b1", "exposureState", "integrating")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wipe did not complete")
	}
	if d.WipedAt().IsZero() {
		t.Fatal("expected wipedAt to be set")
	}
}

func TestWipeFailureReturnsWipeFailed(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	fc.SetReply("ccd_b1", "wipe", remote.ReplyBundle{DidFail: true, LastFailure: "shutter jam"}, nil)

	d := newTestDetector(t, fc, reg, "b1")
	f := d.Wipe(context.Background())
	if f == nil {
		t.Fatal("expected failure")
	}
}

func TestIntegrateReturnsEarlyFinishWhenAlreadySet(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	d := newTestDetector(t, fc, reg, "b1")
	reg.Publish("ccd_b1", "exposureState", "integrating")
	time.Sleep(2 * time.Millisecond)

	var doFinish atomic.Bool
	doFinish.Store(true)
	_, outcome, f := d.Integrate(context.Background(), time.Second, nil, &doFinish)
	if outcome != IntegrationEarlyFinish || f == nil {
		t.Fatalf("expected immediate early finish, got outcome=%v f=%v", outcome, f)
	}
}

func TestIntegrateObservesAbortDuringWait(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	d := newTestDetector(t, fc, reg, "b1")
	reg.Publish("ccd_b1", "exposureState", "integrating")
	time.Sleep(2 * time.Millisecond)

	var doAbort atomic.Bool
	go func() {
		time.Sleep(5 * time.Millisecond)
		doAbort.Store(true)
	}()
	_, outcome, f := d.Integrate(context.Background(), time.Second, &doAbort, nil)
	if outcome != IntegrationAborted || f == nil {
		t.Fatalf("expected aborted outcome, got %v %v", outcome, f)
	}
}

func TestIntegrateCompletesAfterExptime(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	d := newTestDetector(t, fc, reg, "b1")
	reg.Publish("ccd_b1", "exposureState", "integrating")
	time.Sleep(2 * time.Millisecond)

	_, outcome, f := d.Integrate(context.Background(), 10*time.Millisecond, nil, nil)
	if outcome != IntegrationComplete || f != nil {
		t.Fatalf("expected complete outcome, got %v %v", outcome, f)
	}
}

func TestReadNonPfiFailureClearsLocally(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	fc.SetReply("ccd_b1", "read object visit=1 exptime=10.00 darktime=10.00 obstime=1970-01-01T00:00:00Z", remote.ReplyBundle{DidFail: true, LastFailure: "timeout"}, nil)
	fc.SetReply("ccd_b1", "clearExposure", remote.ReplyBundle{}, nil)

	d := newTestDetector(t, fc, reg, "b1")
	d.LightSource = "hg"

	p := ReadParams{ExpType: "object", Visit: 1, ExpTime: 10, DarkTime: 10, ObsTime: time.Unix(0, 0).UTC()}
	f := d.Read(context.Background(), p)
	if f == nil {
		t.Fatal("expected failure")
	}
	if !d.Cleared() {
		t.Fatal("expected detector cleared for non-pfi light source")
	}
	found := false
	for _, c := range fc.Calls() {
		if c.Actor == "ccd_b1" && c.CmdStr == "clearExposure" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected clearExposure dispatched")
	}
}

func TestReadPfiFailureKeepsDataUncleared(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	fc.SetReply("ccd_b1", "read object visit=1 exptime=10.00 darktime=10.00 obstime=1970-01-01T00:00:00Z", remote.ReplyBundle{DidFail: true, LastFailure: "timeout"}, nil)

	d := newTestDetector(t, fc, reg, "b1")
	d.LightSource = "pfi"

	p := ReadParams{ExpType: "object", Visit: 1, ExpTime: 10, DarkTime: 10, ObsTime: time.Unix(0, 0).UTC()}
	f := d.Read(context.Background(), p)
	if f == nil {
		t.Fatal("expected failure recorded")
	}
	for _, c := range fc.Calls() {
		if c.CmdStr == "clearExposure" {
			t.Fatal("expected no clearExposure dispatched for pfi light source")
		}
	}
	if d.State() != StateCleared {
		t.Fatal("expected state machine stopped via cleared")
	}
}

func TestClearExposureIsIdempotent(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	fc.SetReply("ccd_b1", "clearExposure", remote.ReplyBundle{}, nil)

	d := newTestDetector(t, fc, reg, "b1")
	if f := d.ClearExposure(context.Background()); f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if f := d.ClearExposure(context.Background()); f != nil {
		t.Fatalf("unexpected failure on second call: %v", f)
	}
	count := 0
	for _, c := range fc.Calls() {
		if c.CmdStr == "clearExposure" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one on-wire clearExposure, got %d", count)
	}
}

func TestWindowingAddsFlavorToWipeAndRead(t *testing.T) {
	fc := remote.NewFakeClient()
	reg := keywords.New()
	reg.AddModels("ccd_b1")
	fc.SetReply("ccd_b1", "wipe nrows=0", remote.ReplyBundle{}, nil)

	d := newTestDetector(t, fc, reg, "b1")
	d.Window = &Window{Row0: 100, NRows: 50}

	done := make(chan struct{})
	go func() {
		d.Wipe(context.Background())
		close(done)
	}()
	time.Sleep(2 * time.Millisecond)
	reg.Publish("ccd_b1", "exposureState", "integrating")
	<-done

	found := false
	for _, c := range fc.Calls() {
		if c.CmdStr == "wipe nrows=0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected windowed wipe flavor, calls: %+v", fc.Calls())
	}
	if got := d.readFlavor(); got != " row0=100 nrows=50" {
		t.Fatalf("expected windowed read flavor, got %q", got)
	}
}
