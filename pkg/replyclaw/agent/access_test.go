package agent

import "testing"

func TestContactFilterCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		allow    []string
		block    []string
		contact  string
		eligible bool
	}{
		{"empty lists allow everyone", nil, nil, "Alice", true},
		{"blocked contact", nil, []string{"Spam"}, "Spam", false},
		{"blocked, others unaffected", nil, []string{"Spam"}, "Alice", true},
		{"allow list restricts", []string{"Boss"}, nil, "Alice", false},
		{"allow list admits member", []string{"Boss"}, nil, "Boss", true},
		{"block wins over allow", []string{"Spam", "Boss"}, []string{"Spam"}, "Spam", false},
		{"whitespace normalized", []string{" Boss "}, nil, "Boss", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewContactFilter(AccessConfig{Allow: tt.allow, Block: tt.block}, nil)
			if got := f.IsEligible(tt.contact); got != tt.eligible {
				t.Errorf("IsEligible(%q) = %v, want %v", tt.contact, got, tt.eligible)
			}
		})
	}
}

func TestContactFilterBlockPrecedence(t *testing.T) {
	t.Parallel()

	// A contact added to both lists stays ineligible: block always wins,
	// and adding to the allow list does not remove the block.
	f := NewContactFilter(AccessConfig{Block: []string{"Spam"}}, nil)
	f.Allow("Spam", "test")

	res := f.Check("Spam")
	if res.Eligible {
		t.Fatal("blocked contact became eligible after Allow")
	}
	if res.Reason != "contact blocked" {
		t.Errorf("Reason = %q, want %q", res.Reason, "contact blocked")
	}

	// Unblocking resolves it: the allow entry is still there.
	f.Unblock("Spam", "test")
	if !f.IsEligible("Spam") {
		t.Error("contact should be eligible after Unblock (still on allow list)")
	}
}

func TestContactFilterRuntimeMutation(t *testing.T) {
	t.Parallel()

	f := NewContactFilter(AccessConfig{}, nil)

	f.Allow("Boss", "admin")
	if f.IsEligible("Alice") {
		t.Error("non-empty allow list should exclude unlisted contacts")
	}
	if !f.IsEligible("Boss") {
		t.Error("allowed contact should be eligible")
	}

	f.Revoke("Boss", "admin")
	if !f.IsEligible("Alice") {
		t.Error("empty allow list should admit everyone again")
	}

	// Revoking an unlisted contact is a no-op, not a fault.
	f.Revoke("Nobody", "admin")
}

func TestContactFilterSnapshots(t *testing.T) {
	t.Parallel()

	f := NewContactFilter(AccessConfig{
		Allow: []string{"zoe", "adam"},
		Block: []string{"spam"},
	}, nil)

	allowed := f.Allowed()
	if len(allowed) != 2 || allowed[0] != "adam" || allowed[1] != "zoe" {
		t.Errorf("Allowed() = %v, want sorted [adam zoe]", allowed)
	}

	blocked := f.Blocked()
	if len(blocked) != 1 || blocked[0] != "spam" {
		t.Errorf("Blocked() = %v, want [spam]", blocked)
	}

	// Snapshot is a copy: mutating it must not affect the filter.
	allowed[0] = "mallory"
	if f.IsEligible("mallory") {
		t.Error("mutating the snapshot changed filter state")
	}
}
