package keywords

import (
	"testing"
	"time"
)

func TestAddModelsIdempotent(t *testing.T) {
	r := New()
	r.AddModels("ccd_b1", "ccd_b1")
	if got := r.Models(); len(got) != 1 {
		t.Fatalf("expected 1 model after idempotent AddModels, got %v", got)
	}
}

func TestSubscribeBeforePublishReceivesUpdate(t *testing.T) {
	r := New()
	r.AddModels("ccd_b1")
	sub := r.Subscribe("ccd_b1", "exposureState", 4)
	defer r.Unsubscribe(sub)

	r.Publish("ccd_b1", "exposureState", "INTEGRATING")

	select {
	case upd := <-sub.C():
		if upd.Actor != "ccd_b1" || upd.Keyword != "exposureState" || upd.Values[0] != "INTEGRATING" {
			t.Fatalf("unexpected update: %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for update")
	}
}

func TestValueReturnsLastKnown(t *testing.T) {
	r := New()
	if _, _, ok := r.Value("enu_sm1", "shutters"); ok {
		t.Fatalf("expected no value before any publish")
	}
	r.Publish("enu_sm1", "shutters", "open")
	vals, _, ok := r.Value("enu_sm1", "shutters")
	if !ok || vals[0] != "open" {
		t.Fatalf("unexpected value: %v ok=%v", vals, ok)
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	r := New()
	sub := r.Subscribe("hx_n1", "hxread", 2)
	if err := r.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	r.Publish("hx_n1", "hxread", "1", "2", "3", "4")
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	r := New()
	sub := r.Subscribe("ccd_b1", "exposureState", 1)
	defer r.Unsubscribe(sub)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Publish("ccd_b1", "exposureState", "STATE")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestMultipleSubscribersIndependentDelivery(t *testing.T) {
	r := New()
	s1 := r.Subscribe("enu_sm1", "shutters", 2)
	s2 := r.Subscribe("enu_sm1", "shutters", 2)
	defer r.Unsubscribe(s1)
	defer r.Unsubscribe(s2)
	r.Publish("enu_sm1", "shutters", "close")
	for _, s := range []Subscription{s1, s2} {
		select {
		case upd := <-s.C():
			if upd.Values[0] != "close" {
				t.Fatalf("unexpected value: %v", upd.Values)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for update")
		}
	}
}
