package agent

import (
	"fmt"
	"testing"
)

func TestSeenSetMarkSeen(t *testing.T) {
	t.Parallel()

	s := newSeenSet(10)

	if s.MarkSeen("a") {
		t.Error("first MarkSeen(a) reported already seen")
	}
	if !s.MarkSeen("a") {
		t.Error("second MarkSeen(a) reported not seen")
	}
	if s.MarkSeen("b") {
		t.Error("MarkSeen(b) reported already seen")
	}
}

func TestSeenSetEviction(t *testing.T) {
	t.Parallel()

	s := newSeenSet(3)

	for _, k := range []string{"a", "b", "c", "d"} {
		s.MarkSeen(k)
	}

	// "a" was evicted to make room for "d".
	if s.MarkSeen("a") {
		t.Error("evicted key still reported as seen")
	}
	if !s.MarkSeen("c") {
		t.Error("retained key reported as not seen")
	}
	if got := s.Len(); got != 3 {
		t.Errorf("Len = %d, want capacity 3", got)
	}
}

func TestSeenSetStaysBounded(t *testing.T) {
	t.Parallel()

	s := newSeenSet(50)
	for i := 0; i < 500; i++ {
		s.MarkSeen(fmt.Sprintf("k%d", i))
	}
	if got := s.Len(); got != 50 {
		t.Errorf("Len = %d after 500 inserts, want 50", got)
	}
	if !s.MarkSeen("k499") {
		t.Error("newest key reported as not seen")
	}
}

func TestMessageKey(t *testing.T) {
	t.Parallel()

	// With a driver ID the key ignores contact and text.
	withID := messageKey("whatsapp", "alice", "MSG-1", "hello")
	if withID != "whatsapp:MSG-1" {
		t.Errorf("key with ID = %q, want whatsapp:MSG-1", withID)
	}

	// Without an ID, same text from different contacts must differ.
	a := messageKey("whatsapp", "alice", "", "hello")
	b := messageKey("whatsapp", "bob", "", "hello")
	if a == b {
		t.Error("keys collide for identical text from different contacts")
	}

	// Same contact, same text: stable key.
	if messageKey("whatsapp", "alice", "", "hello") != a {
		t.Error("key is not deterministic")
	}

	// Different channels never collide.
	if messageKey("telegram", "alice", "", "hello") == a {
		t.Error("keys collide across channels")
	}
}
