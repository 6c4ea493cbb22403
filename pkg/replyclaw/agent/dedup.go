// Package agent – dedup.go tracks already-handled messages so a poll that
// returns the same message twice (driver reconnect, overlapping poll windows)
// never produces a duplicate reply.
package agent

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// seenSet is a bounded set of message keys with FIFO eviction. Once capacity
// is reached the oldest remembered key is forgotten, which keeps memory flat
// on long-running agents at the cost of possibly re-answering a message that
// reappears after thousands of newer ones. That trade is acceptable here.
type seenSet struct {
	keys  map[string]struct{}
	order []string
	start int
	count int
	mu    sync.Mutex
}

func newSeenSet(capacity int) *seenSet {
	if capacity < 1 {
		capacity = 1000
	}
	return &seenSet{
		keys:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// MarkSeen records a key and reports whether it was already present.
func (s *seenSet) MarkSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return true
	}

	if s.count == len(s.order) {
		oldest := s.order[s.start]
		delete(s.keys, oldest)
		s.order[s.start] = key
		s.start = (s.start + 1) % len(s.order)
	} else {
		s.order[(s.start+s.count)%len(s.order)] = key
		s.count++
	}
	s.keys[key] = struct{}{}
	return false
}

// Len returns how many keys are currently remembered.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// messageKey derives the dedup key for an incoming message. Driver message
// IDs are used when available; otherwise the key is built from the contact
// plus a hash and length of the text, which distinguishes repeated identical
// texts from different contacts.
func messageKey(channel, contact, id, text string) string {
	if id != "" {
		return channel + ":" + id
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%s:%s:%x:%d", channel, contact, h.Sum64(), len(text))
}
