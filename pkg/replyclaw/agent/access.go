// Package agent – access.go implements the contact filter that decides which
// senders receive automatic replies.
//
// Two lists drive the decision:
//   - allow: when non-empty, only listed contacts are eligible
//   - block: listed contacts are never eligible
//
// Block always wins. A contact present in both lists is not eligible; adding
// to one list never removes from the other. An empty allow list means no
// allow restriction — everyone not blocked is eligible. This matches the
// away-responder default: answer anyone except known noise.
package agent

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// listEntry records how a contact ended up on a list.
type listEntry struct {
	// AddedBy is who put the contact on the list ("config", an admin
	// contact, or "cli").
	AddedBy string

	// AddedAt is when the contact was added.
	AddedAt time.Time
}

// ContactFilter decides eligibility for automatic replies. Safe for
// concurrent use.
type ContactFilter struct {
	allow  map[string]listEntry
	block  map[string]listEntry
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewContactFilter builds a filter seeded from config.
func NewContactFilter(cfg AccessConfig, logger *slog.Logger) *ContactFilter {
	if logger == nil {
		logger = slog.Default()
	}

	f := &ContactFilter{
		allow:  make(map[string]listEntry),
		block:  make(map[string]listEntry),
		logger: logger.With("component", "access"),
	}

	now := time.Now()
	for _, c := range cfg.Allow {
		f.allow[normalizeContact(c)] = listEntry{AddedBy: "config", AddedAt: now}
	}
	for _, c := range cfg.Block {
		f.block[normalizeContact(c)] = listEntry{AddedBy: "config", AddedAt: now}
	}

	f.logger.Info("contact filter initialized",
		"allowed", len(f.allow),
		"blocked", len(f.block),
	)

	return f
}

// Eligibility is the result of a filter check.
type Eligibility struct {
	// Eligible is true if the contact may receive an automatic reply.
	Eligible bool

	// Reason explains a negative result (for logging).
	Reason string
}

// Check evaluates a contact against the lists. Evaluation order is fixed:
// block first, then the allow restriction, then eligible.
func (f *ContactFilter) Check(contact string) Eligibility {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := normalizeContact(contact)

	if _, blocked := f.block[c]; blocked {
		return Eligibility{Eligible: false, Reason: "contact blocked"}
	}
	if len(f.allow) > 0 {
		if _, allowed := f.allow[c]; !allowed {
			return Eligibility{Eligible: false, Reason: "not on allow list"}
		}
	}
	return Eligibility{Eligible: true}
}

// IsEligible reports whether a contact may receive an automatic reply.
func (f *ContactFilter) IsEligible(contact string) bool {
	return f.Check(contact).Eligible
}

// --- Runtime mutations (chat commands and CLI) ---

// Allow adds a contact to the allow list.
func (f *ContactFilter) Allow(contact, addedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := normalizeContact(contact)
	f.allow[c] = listEntry{AddedBy: addedBy, AddedAt: time.Now()}
	f.logger.Info("contact allowed", "contact", c, "by", addedBy)
}

// Revoke removes a contact from the allow list. Removing a contact that is
// not listed is a no-op.
func (f *ContactFilter) Revoke(contact, removedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := normalizeContact(contact)
	delete(f.allow, c)
	f.logger.Info("contact allow revoked", "contact", c, "by", removedBy)
}

// Block adds a contact to the block list.
func (f *ContactFilter) Block(contact, blockedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := normalizeContact(contact)
	f.block[c] = listEntry{AddedBy: blockedBy, AddedAt: time.Now()}
	f.logger.Info("contact blocked", "contact", c, "by", blockedBy)
}

// Unblock removes a contact from the block list.
func (f *ContactFilter) Unblock(contact, unblockedBy string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := normalizeContact(contact)
	delete(f.block, c)
	f.logger.Info("contact unblocked", "contact", c, "by", unblockedBy)
}

// Allowed returns a sorted copy of the allow list.
func (f *ContactFilter) Allowed() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.allow)
}

// Blocked returns a sorted copy of the block list.
func (f *ContactFilter) Blocked() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.block)
}

func sortedKeys(m map[string]listEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalizeContact canonicalizes a contact identity for list matching.
// Identities are exact-match strings; only surrounding whitespace is
// stripped so config typos like " Alice" still match.
func normalizeContact(contact string) string {
	return strings.TrimSpace(contact)
}
