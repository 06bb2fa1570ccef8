package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Subaru-PFS/ics-spsActor/config"
	"github.com/Subaru-PFS/ics-spsActor/internal/exposure"
)

// noopFactory builds a minimal, immediately-completing exposure (no
// cameras, so no threads to wait on) — enough to exercise the registry's
// own bookkeeping without a real detector sequence.
func noopFactory(req exposure.Request) *exposure.Exposure {
	return exposure.New(config.Default(), req, nil, nil, nil, nil, "", "")
}

func TestSubmitRejectsDuplicateVisit(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	wg.Add(1)

	blockCh := make(chan struct{})
	release := make(chan struct{})
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, _ = r.Submit(ctx, exposure.Request{Visit: 1, ExpType: "object"}, func(req exposure.Request) *exposure.Exposure {
			close(blockCh)
			<-release
			return noopFactory(req)
		})
	}()

	<-blockCh
	_, err := r.Submit(context.Background(), exposure.Request{Visit: 1, ExpType: "object"}, noopFactory)
	if err == nil {
		t.Fatal("expected duplicate-visit error")
	}
	if !strings.Contains(err.Error(), "already ongoing") {
		t.Fatalf("unexpected error: %v", err)
	}
	close(release)
	wg.Wait()
}

func TestSubmitWithNoCamerasCompletesImmediately(t *testing.T) {
	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := r.Submit(ctx, exposure.Request{Visit: 5, ExpType: "object"}, noopFactory)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Failures != "" {
		t.Fatalf("unexpected failures: %s", res.Failures)
	}
	if len(r.Status()) != 0 {
		t.Fatal("expected the registry to be empty once Submit returns")
	}
}

func TestAbortAndFinishReportNotFoundWithValidVisits(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Submit(ctx, exposure.Request{Visit: 9, ExpType: "object"}, func(req exposure.Request) *exposure.Exposure {
			exp := noopFactory(req)
			close(started)
			<-release
			return exp
		})
	}()
	<-started

	if err := r.Abort(2); err == nil {
		t.Fatal("expected not-found error for visit 2")
	} else if !strings.Contains(err.Error(), "valid visits: [9]") {
		t.Fatalf("unexpected error: %v", err)
	}

	close(release)
	<-done

	if err := r.Finish(9); err == nil {
		t.Fatal("expected not-found error once the exposure has completed and been removed")
	}
}

func TestStatusFormatsActiveExposures(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Submit(ctx, exposure.Request{Visit: 3, ExpType: "flat", ExpTime: 15 * time.Second}, func(req exposure.Request) *exposure.Exposure {
			exp := noopFactory(req)
			close(started)
			<-release
			return exp
		})
	}()
	<-started

	lines := r.Status()
	if len(lines) != 1 {
		t.Fatalf("expected one active exposure, got %d", len(lines))
	}
	want := "Exposure(visit=3 exptype=flat exptime=15.00)"
	if lines[0] != want {
		t.Fatalf("got %q, want %q", lines[0], want)
	}

	close(release)
	<-done
}

func TestPendingAbortAppliesOnceExposureAttaches(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Submit(ctx, exposure.Request{Visit: 11, ExpType: "object"}, func(req exposure.Request) *exposure.Exposure {
			<-registered
			time.Sleep(5 * time.Millisecond)
			return noopFactory(req)
		})
	}()

	time.Sleep(2 * time.Millisecond)
	close(registered)
	if err := r.Abort(11); err != nil {
		t.Fatalf("Abort during construction window: %v", err)
	}
	<-done
}
