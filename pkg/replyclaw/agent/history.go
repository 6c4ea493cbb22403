// Package agent – history.go implements the bounded per-contact conversation
// store. Each contact owns a fixed-capacity ring buffer: appending beyond the
// bound overwrites the oldest message, so memory per contact is constant and
// the kept window always holds the most recent exchange in insertion order.
//
// The store is in-memory only. A restart clears all conversations; that is
// accepted behavior for an away responder, not a defect.
package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Direction marks which side of the conversation a message belongs to.
type Direction string

const (
	// DirectionIncoming is a message received from the contact.
	DirectionIncoming Direction = "incoming"

	// DirectionOutgoing is a reply produced by the agent.
	DirectionOutgoing Direction = "outgoing"
)

// Message is one stored conversation entry. Messages are never mutated after
// creation and leave the store only by eviction.
type Message struct {
	Direction Direction
	Text      string
	Timestamp time.Time
}

// conversation is the ring buffer for a single contact.
type conversation struct {
	buf   []Message
	start int // index of the oldest message
	count int
	mu    sync.Mutex
}

func (c *conversation) append(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count < len(c.buf) {
		c.buf[(c.start+c.count)%len(c.buf)] = m
		c.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	c.buf[c.start] = m
	c.start = (c.start + 1) % len(c.buf)
}

func (c *conversation) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.buf[(c.start+i)%len(c.buf)]
	}
	return out
}

func (c *conversation) length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// HistoryStore keeps the bounded conversation window for every contact.
// Per-contact appends are serialized by the conversation's own lock; the
// store lock only guards the contact map, so distinct contacts never contend.
type HistoryStore struct {
	bound  int
	convs  map[string]*conversation
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHistoryStore creates an empty store. bound is the max messages kept per
// contact; values below 1 fall back to the default of 10.
func NewHistoryStore(bound int, logger *slog.Logger) *HistoryStore {
	if bound < 1 {
		bound = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{
		bound:  bound,
		convs:  make(map[string]*conversation),
		logger: logger.With("component", "history"),
	}
}

// Bound returns the per-contact message limit.
func (h *HistoryStore) Bound() int {
	return h.bound
}

// Record appends one message to a contact's conversation, evicting the
// oldest message first once the bound is exceeded.
func (h *HistoryStore) Record(contact string, dir Direction, text string) {
	h.getOrCreate(contact).append(Message{
		Direction: dir,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Context returns a copy of the contact's conversation, oldest first. A
// contact never seen yields an empty slice, not an error.
func (h *HistoryStore) Context(contact string) []Message {
	h.mu.RLock()
	conv, ok := h.convs[contact]
	h.mu.RUnlock()

	if !ok {
		return nil
	}
	return conv.snapshot()
}

// Len returns how many messages are stored for a contact.
func (h *HistoryStore) Len(contact string) int {
	h.mu.RLock()
	conv, ok := h.convs[contact]
	h.mu.RUnlock()

	if !ok {
		return 0
	}
	return conv.length()
}

// Contacts returns the contacts with stored history, sorted.
func (h *HistoryStore) Contacts() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.convs))
	for c := range h.convs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// getOrCreate returns the contact's conversation, creating it on first use.
func (h *HistoryStore) getOrCreate(contact string) *conversation {
	h.mu.RLock()
	conv, ok := h.convs[contact]
	h.mu.RUnlock()
	if ok {
		return conv
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Double-check: another goroutine may have created it meanwhile.
	if conv, ok := h.convs[contact]; ok {
		return conv
	}

	conv = &conversation{buf: make([]Message, h.bound)}
	h.convs[contact] = conv

	h.logger.Debug("conversation started", "contact", contact)
	return conv
}
