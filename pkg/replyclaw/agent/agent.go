// Package agent implements the auto-reply responder for ReplyClaw.
// Coordinates channels, access control, conversation history, canned replies
// and the completion client to answer messages while the user is away.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// seenCapacity bounds the duplicate-message guard. Old keys are forgotten
// FIFO once the limit is reached.
const seenCapacity = 2048

// Completer produces a reply for an assembled prompt. Satisfied by
// CompletionClient; tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, messages []chatMessage) (string, error)
}

// Responder is the auto-reply agent. All state lives on this struct; two
// responders in one process never share anything.
type Responder struct {
	cfg      *Config
	logger   *slog.Logger
	filter   *ContactFilter
	history  *HistoryStore
	seen     *seenSet
	llm      Completer
	channels *channels.Manager
	schedule *Schedule

	enabled   atomic.Bool
	startedAt time.Time

	// Per-contact locks keep each conversation's mutations sequential while
	// distinct contacts proceed concurrently.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	replied    atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResponder wires the agent from config. The channel manager should have
// its drivers registered before Start is called.
func NewResponder(cfg *Config, mgr *channels.Manager, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}

	reply := cfg.Reply.Effective()

	r := &Responder{
		cfg:      cfg,
		logger:   logger.With("component", "responder"),
		filter:   NewContactFilter(cfg.Access, logger),
		history:  NewHistoryStore(reply.HistoryBound, logger),
		seen:     newSeenSet(seenCapacity),
		llm:      NewCompletionClient(cfg, logger),
		channels: mgr,
		locks:    make(map[string]*sync.Mutex),
		done:     make(chan struct{}),
	}
	r.enabled.Store(cfg.Enabled)
	return r
}

// Start connects the channels and runs the poll loop until ctx is cancelled
// or Stop is called. Blocks for the lifetime of the agent.
func (r *Responder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	defer close(r.done)

	r.startedAt = time.Now()

	r.logger.Info("starting ReplyClaw",
		"name", r.cfg.Name,
		"model", r.cfg.Model,
		"enabled", r.enabled.Load(),
		"history_bound", r.history.Bound(),
	)

	// ── Step 1: Connect channels ──
	if err := r.channels.ConnectAll(ctx); err != nil {
		return fmt.Errorf("connecting channels: %w", err)
	}

	// ── Step 2: Away schedule ──
	// Cron rules that flip the agent on and off at configured times.
	if sched, err := NewSchedule(r.cfg, r, r.logger); err != nil {
		r.logger.Warn("away schedule not available", "error", err)
	} else if sched != nil {
		r.schedule = sched
		r.schedule.Start()
	}

	// ── Step 3: Poll loop ──
	r.pollLoop(ctx)

	// ── Shutdown ──
	if r.schedule != nil {
		r.schedule.Stop()
	}
	r.channels.DisconnectAll()

	r.logger.Info("ReplyClaw stopped", "uptime", time.Since(r.startedAt).Round(time.Second).String())
	return nil
}

// Stop cancels the poll loop and waits for Start to finish its shutdown.
func (r *Responder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// pollLoop drains unread messages from all channels on a fixed interval.
// After a polling error the next tick is pushed out to the error backoff so
// a down channel is not hammered.
func (r *Responder) pollLoop(ctx context.Context) {
	poll := r.cfg.Poll.Effective()

	timer := time.NewTimer(poll.Interval())
	defer timer.Stop()

	r.logger.Info("polling for messages",
		"interval", poll.Interval().String(),
		"channels", r.channels.Names(),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := poll.Interval()

		msgs, err := r.channels.PollUnread(ctx)
		if err != nil {
			r.logger.Error("polling channels", "error", err)
			wait = poll.ErrorBackoff()
		}
		for _, msg := range msgs {
			r.processIncoming(ctx, msg)
		}

		timer.Reset(wait)
	}
}

// processIncoming routes one polled message: duplicates are dropped, admin
// commands are executed, everything else goes through the reply pipeline.
func (r *Responder) processIncoming(ctx context.Context, msg channels.Message) {
	logger := r.logger.With(
		"channel", msg.Channel,
		"contact", msg.Contact,
		"msg_id", msg.ID,
	)

	key := messageKey(msg.Channel, msg.Contact, msg.ID, msg.Text)
	if r.seen.MarkSeen(key) {
		logger.Debug("duplicate message skipped")
		return
	}

	logger.Info("incoming message", "preview", truncate(msg.Text, 50))

	// Admin commands run before everything else, even while paused, so the
	// owner can always /resume. They are never written to history. Slash
	// messages from non-admins fall through to the reply pipeline.
	if IsCommand(msg.Text) {
		if result := r.ExecuteCommand(msg); result.Handled {
			if result.Response != "" {
				r.deliverReply(ctx, msg, result.Response, false)
			}
			return
		}
	}

	result := r.HandleIncoming(ctx, msg)
	switch result.Outcome {
	case OutcomeReplied:
		r.deliverReply(ctx, msg, result.Reply, true)
	case OutcomeSuppressed:
		r.suppressed.Add(1)
		logger.Info("reply suppressed", "reason", result.Reason)
	case OutcomeFailed:
		r.failed.Add(1)
		logger.Error("reply failed", "reason", result.Reason)
	}
}

// deliverReply sends a reply text back on the message's channel. withDelay
// applies the configured response delay first, which makes replies feel less
// instantaneous. Delivery failures are logged; the conversation history is
// not rolled back, a reply is attempted at most once.
func (r *Responder) deliverReply(ctx context.Context, msg channels.Message, text string, withDelay bool) {
	if withDelay {
		if delay := r.cfg.Reply.Effective().ResponseDelay(); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	if err := r.channels.Deliver(ctx, msg.Channel, msg.Contact, text); err != nil {
		r.failed.Add(1)
		r.logger.Error("delivering reply",
			"channel", msg.Channel,
			"contact", msg.Contact,
			"error", err,
		)
		return
	}
	r.replied.Add(1)
}

// contactLock returns the mutex serializing one contact's pipeline runs.
func (r *Responder) contactLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *Responder) isAdmin(contact string) bool {
	contact = normalizeContact(contact)
	for _, admin := range r.cfg.Access.Admins {
		if normalizeContact(admin) == contact {
			return true
		}
	}
	return false
}

// Enabled reports whether the agent is currently answering messages.
func (r *Responder) Enabled() bool {
	return r.enabled.Load()
}

// SetEnabled flips auto-replies on or off. While off, incoming messages are
// dropped without touching history; admin commands keep working.
func (r *Responder) SetEnabled(on bool) {
	if r.enabled.Swap(on) != on {
		r.logger.Info("auto-reply toggled", "enabled", on)
	}
}

// Pause is SetEnabled(false).
func (r *Responder) Pause() { r.SetEnabled(false) }

// Resume is SetEnabled(true).
func (r *Responder) Resume() { r.SetEnabled(true) }

// Filter exposes the contact filter for runtime list changes.
func (r *Responder) Filter() *ContactFilter {
	return r.filter
}

// History exposes the conversation store.
func (r *Responder) History() *HistoryStore {
	return r.history
}

// Status is a point-in-time snapshot for the /status command and health
// reporting.
type Status struct {
	Enabled    bool
	Uptime     time.Duration
	Model      string
	Contacts   int
	Replied    int64
	Suppressed int64
	Failed     int64
	Channels   map[string]channels.HealthStatus
}

// CurrentStatus collects the snapshot.
func (r *Responder) CurrentStatus() Status {
	model := r.cfg.Model
	if c, ok := r.llm.(*CompletionClient); ok {
		model = c.Model()
	}

	var uptime time.Duration
	if !r.startedAt.IsZero() {
		uptime = time.Since(r.startedAt)
	}

	return Status{
		Enabled:    r.enabled.Load(),
		Uptime:     uptime,
		Model:      model,
		Contacts:   len(r.history.Contacts()),
		Replied:    r.replied.Load(),
		Suppressed: r.suppressed.Load(),
		Failed:     r.failed.Load(),
		Channels:   r.channels.Health(),
	}
}
