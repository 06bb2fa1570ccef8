package failure

import "testing"

func TestSetDedup(t *testing.T) {
	s := NewSet()
	s.Add("ReadFailed(ccd1 with timeout)")
	s.Add("ReadFailed(ccd1 with timeout)")
	s.Add("WipeFailed(ccd2 with nak)")
	if got := s.Format(); got != "ReadFailed(ccd1 with timeout),WipeFailed(ccd2 with nak)" {
		t.Fatalf("unexpected format: %q", got)
	}
	if len(s.Reasons()) != 2 {
		t.Fatalf("expected 2 reasons, got %d", len(s.Reasons()))
	}
}

func TestSetSuppressesBareAbortAfterRootCause(t *testing.T) {
	s := NewSet()
	s.Add("WipeFailed(ccd1 with nak)")
	s.Add("ExposureAborted(ccd1 with user request)")
	if got := s.Format(); got != "WipeFailed(ccd1 with nak)" {
		t.Fatalf("expected abort to be suppressed, got %q", got)
	}
}

func TestSetRecordsBareAbortWhenEmpty(t *testing.T) {
	s := NewSet()
	s.Add("ExposureAborted(ccd1 with user request)")
	if s.Empty() {
		t.Fatalf("expected abort reason to be recorded when set was empty")
	}
	if got := s.Format(); got != "ExposureAborted(ccd1 with user request)" {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestSetAddFailure(t *testing.T) {
	s := NewSet()
	s.AddFailure(New(KindReadFailed, "ccd1", "timeout"))
	s.AddFailure(nil)
	if got := s.Format(); got != "ReadFailed(ccd1 with timeout)" {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestSetEmptyIgnoresBlankReason(t *testing.T) {
	s := NewSet()
	s.Add("")
	if !s.Empty() {
		t.Fatalf("expected set to remain empty")
	}
}
