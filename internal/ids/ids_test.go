package ids

import "testing"

func TestNew(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 32 {
		t.Fatalf("expected 32-char id, got %d", len(a))
	}
	if len(b) != 32 {
		t.Fatalf("expected 32-char id, got %d", len(b))
	}
	if a == b {
		t.Fatalf("expected distinct ids, got duplicates")
	}
}

func TestNewSessionIDIsValid(t *testing.T) {
	id := NewSessionID()
	if !ValidSessionID(id) {
		t.Fatalf("expected generated session id %q to be valid", id)
	}
	if id == NewSessionID() {
		t.Fatalf("expected distinct session ids")
	}
}

func TestValidSessionIDRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "guest", "1234", "not-a-uuid-at-all"} {
		if ValidSessionID(raw) {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
