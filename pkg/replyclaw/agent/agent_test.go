package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// fakeCompleter stands in for the completion client.
type fakeCompleter struct {
	reply string
	err   error

	mu         sync.Mutex
	calls      int
	lastPrompt []chatMessage
}

func (f *fakeCompleter) Complete(_ context.Context, messages []chatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrompt = messages
	return f.reply, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestResponder(fake *fakeCompleter, mutate func(*Config)) *Responder {
	cfg := DefaultConfig()
	cfg.Reply.ResponseDelaySeconds = 0
	if mutate != nil {
		mutate(cfg)
	}
	r := NewResponder(cfg, channels.NewManager(testLogger()), testLogger())
	if fake != nil {
		r.llm = fake
	}
	return r
}

func incomingFrom(contact, text string) channels.Message {
	return channels.Message{
		ID:        "",
		Channel:   "test",
		Contact:   contact,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestHandleIncomingReplies(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "I'm away, I'll get back to you."}
	r := newTestResponder(fake, nil)

	result := r.HandleIncoming(t.Context(), incomingFrom("alice", "are you there?"))

	if result.Outcome != OutcomeReplied {
		t.Fatalf("outcome = %s (%s), want replied", result.Outcome, result.Reason)
	}
	if result.Reply != "I'm away, I'll get back to you." {
		t.Errorf("reply = %q, want the completion text", result.Reply)
	}

	msgs := r.history.Context("test:alice")
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want incoming + outgoing", len(msgs))
	}
	if msgs[0].Direction != DirectionIncoming || msgs[0].Text != "are you there?" {
		t.Errorf("first entry = %s %q, want the incoming message", msgs[0].Direction, msgs[0].Text)
	}
	if msgs[1].Direction != DirectionOutgoing || msgs[1].Text != result.Reply {
		t.Errorf("second entry = %s %q, want the reply", msgs[1].Direction, msgs[1].Text)
	}
}

func TestHandleIncomingWhilePaused(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "should never be used"}
	r := newTestResponder(fake, nil)
	r.Pause()

	result := r.HandleIncoming(t.Context(), incomingFrom("alice", "hello?"))

	if result.Outcome != OutcomeSuppressed {
		t.Fatalf("outcome = %s, want suppressed", result.Outcome)
	}
	if got := len(r.history.Context("test:alice")); got != 0 {
		t.Errorf("history has %d messages while paused, want 0", got)
	}
	if fake.callCount() != 0 {
		t.Errorf("completer called %d times while paused, want 0", fake.callCount())
	}
}

func TestHandleIncomingBlockedContact(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "nope"}
	r := newTestResponder(fake, func(cfg *Config) {
		cfg.Access.Block = []string{"spammer"}
	})

	result := r.HandleIncoming(t.Context(), incomingFrom("spammer", "buy now"))

	if result.Outcome != OutcomeSuppressed {
		t.Fatalf("outcome = %s, want suppressed", result.Outcome)
	}
	if result.Reason != "contact blocked" {
		t.Errorf("reason = %q, want %q", result.Reason, "contact blocked")
	}
	if got := len(r.history.Context("test:spammer")); got != 0 {
		t.Errorf("filtered message was recorded (%d entries), record_filtered is off", got)
	}
}

func TestHandleIncomingRecordFiltered(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "nope"}
	r := newTestResponder(fake, func(cfg *Config) {
		cfg.Access.Block = []string{"spammer"}
		cfg.Access.RecordFiltered = true
	})

	result := r.HandleIncoming(t.Context(), incomingFrom("spammer", "buy now"))

	if result.Outcome != OutcomeSuppressed {
		t.Fatalf("outcome = %s, want suppressed", result.Outcome)
	}
	msgs := r.history.Context("test:spammer")
	if len(msgs) != 1 || msgs[0].Direction != DirectionIncoming {
		t.Fatalf("history = %d entries, want just the incoming message", len(msgs))
	}
	if fake.callCount() != 0 {
		t.Errorf("completer called for a filtered contact")
	}
}

func TestHandleIncomingAllowListRestriction(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "hi friend"}
	r := newTestResponder(fake, func(cfg *Config) {
		cfg.Access.Allow = []string{"friend"}
	})

	if res := r.HandleIncoming(t.Context(), incomingFrom("friend", "hey")); res.Outcome != OutcomeReplied {
		t.Errorf("allow-listed contact outcome = %s, want replied", res.Outcome)
	}
	if res := r.HandleIncoming(t.Context(), incomingFrom("stranger", "hey")); res.Outcome != OutcomeSuppressed {
		t.Errorf("unlisted contact outcome = %s, want suppressed", res.Outcome)
	}
}

func TestHandleIncomingCannedReply(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "model reply"}
	r := newTestResponder(fake, nil)

	result := r.HandleIncoming(t.Context(), incomingFrom("alice", "Thanks!"))

	if result.Outcome != OutcomeReplied {
		t.Fatalf("outcome = %s, want replied", result.Outcome)
	}
	if result.Reply != "You're welcome! Happy to help." {
		t.Errorf("reply = %q, want the canned gratitude reply", result.Reply)
	}
	if fake.callCount() != 0 {
		t.Errorf("completer called %d times for a canned reply, want 0", fake.callCount())
	}

	// Canned replies still update both history sides.
	msgs := r.history.Context("test:alice")
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[1].Text != result.Reply {
		t.Errorf("recorded reply = %q, want %q", msgs[1].Text, result.Reply)
	}
}

func TestHandleIncomingCompletionFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{err: errors.New("provider down")}
	r := newTestResponder(fake, nil)

	result := r.HandleIncoming(t.Context(), incomingFrom("alice", "hello?"))

	if result.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", result.Outcome)
	}
	if !strings.Contains(result.Reason, "provider down") {
		t.Errorf("reason = %q, want the completion error", result.Reason)
	}

	// The incoming message survives the failure; no reply is recorded.
	msgs := r.history.Context("test:alice")
	if len(msgs) != 1 {
		t.Fatalf("history has %d messages after failure, want 1", len(msgs))
	}
	if msgs[0].Direction != DirectionIncoming {
		t.Errorf("surviving entry direction = %s, want incoming", msgs[0].Direction)
	}
}

func TestHandleIncomingEmptyCompletion(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: ""}
	r := newTestResponder(fake, nil)

	result := r.HandleIncoming(t.Context(), incomingFrom("alice", "hello?"))
	if result.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed for empty completion", result.Outcome)
	}
}

func TestHandleIncomingPromptShape(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "done"}
	r := newTestResponder(fake, nil)

	r.HandleIncoming(t.Context(), incomingFrom("alice", "first message"))
	r.HandleIncoming(t.Context(), incomingFrom("alice", "second message"))

	prompt := fake.lastPrompt
	if len(prompt) < 3 {
		t.Fatalf("prompt has %d messages, want system + context + incoming", len(prompt))
	}
	if prompt[0].Role != "system" {
		t.Errorf("first prompt role = %q, want system", prompt[0].Role)
	}
	last := prompt[len(prompt)-1]
	if last.Role != "user" || last.Content != "second message" {
		t.Errorf("last prompt message = %q %q, want the new incoming text", last.Role, last.Content)
	}

	// The new message must appear exactly once.
	count := 0
	for _, m := range prompt {
		if m.Content == "second message" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("incoming text appears %d times in prompt, want 1", count)
	}

	// The previous turn is part of the context.
	sawPrior := false
	for _, m := range prompt {
		if m.Content == "first message" {
			sawPrior = true
		}
	}
	if !sawPrior {
		t.Error("prompt is missing the prior conversation turn")
	}
}

func TestHandleIncomingSameContactSerialized(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "ack"}
	r := newTestResponder(fake, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.HandleIncoming(context.Background(), incomingFrom("alice", "ping"))
		}()
	}
	wg.Wait()

	msgs := r.history.Context("test:alice")
	if len(msgs) != 8 {
		t.Fatalf("history has %d messages, want 8 (4 pairs)", len(msgs))
	}
	// Serialized runs leave strictly alternating directions.
	for i, m := range msgs {
		want := DirectionIncoming
		if i%2 == 1 {
			want = DirectionOutgoing
		}
		if m.Direction != want {
			t.Fatalf("entry %d direction = %s, want %s", i, m.Direction, want)
		}
	}
}

func TestExecuteCommandRequiresAdmin(t *testing.T) {
	t.Parallel()

	r := newTestResponder(&fakeCompleter{reply: "x"}, func(cfg *Config) {
		cfg.Access.Admins = []string{"boss"}
	})

	if res := r.ExecuteCommand(incomingFrom("alice", "/pause")); res.Handled {
		t.Error("command from non-admin was handled")
	}
	if !r.Enabled() {
		t.Error("non-admin /pause changed agent state")
	}

	res := r.ExecuteCommand(incomingFrom("boss", "/pause"))
	if !res.Handled {
		t.Fatal("command from admin was not handled")
	}
	if r.Enabled() {
		t.Error("/pause did not pause the agent")
	}
}

func TestPauseResumeCommands(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "hello"}
	r := newTestResponder(fake, func(cfg *Config) {
		cfg.Access.Admins = []string{"boss"}
	})

	r.ExecuteCommand(incomingFrom("boss", "/pause"))
	if res := r.HandleIncoming(t.Context(), incomingFrom("alice", "anyone?")); res.Outcome != OutcomeSuppressed {
		t.Errorf("outcome while paused = %s, want suppressed", res.Outcome)
	}

	res := r.ExecuteCommand(incomingFrom("boss", "/resume"))
	if !strings.Contains(res.Response, "resumed") {
		t.Errorf("resume response = %q, want confirmation", res.Response)
	}
	if got := r.HandleIncoming(t.Context(), incomingFrom("alice", "anyone?")); got.Outcome != OutcomeReplied {
		t.Errorf("outcome after resume = %s, want replied", got.Outcome)
	}
}

func TestAccessCommands(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "hi"}
	r := newTestResponder(fake, func(cfg *Config) {
		cfg.Access.Admins = []string{"boss"}
	})

	r.ExecuteCommand(incomingFrom("boss", "/block spammer"))
	if res := r.HandleIncoming(t.Context(), incomingFrom("spammer", "yo")); res.Outcome != OutcomeSuppressed {
		t.Errorf("blocked contact outcome = %s, want suppressed", res.Outcome)
	}

	r.ExecuteCommand(incomingFrom("boss", "/unblock spammer"))
	if res := r.HandleIncoming(t.Context(), incomingFrom("spammer", "yo again")); res.Outcome != OutcomeReplied {
		t.Errorf("unblocked contact outcome = %s, want replied", res.Outcome)
	}

	// Adding anyone to the allow list restricts everyone else.
	r.ExecuteCommand(incomingFrom("boss", "/allow friend"))
	if res := r.HandleIncoming(t.Context(), incomingFrom("spammer", "yo")); res.Outcome != OutcomeSuppressed {
		t.Errorf("unlisted contact outcome = %s, want suppressed once allow list is set", res.Outcome)
	}

	r.ExecuteCommand(incomingFrom("boss", "/revoke friend"))
	if res := r.HandleIncoming(t.Context(), incomingFrom("spammer", "back")); res.Outcome != OutcomeReplied {
		t.Errorf("outcome after allow list emptied = %s, want replied", res.Outcome)
	}
}

func TestStatusAndHelpCommands(t *testing.T) {
	t.Parallel()

	r := newTestResponder(&fakeCompleter{reply: "x"}, func(cfg *Config) {
		cfg.Access.Admins = []string{"boss"}
	})

	status := r.ExecuteCommand(incomingFrom("boss", "/status"))
	if !status.Handled || !strings.Contains(status.Response, "State: active") {
		t.Errorf("status response = %q, want agent state", status.Response)
	}

	help := r.ExecuteCommand(incomingFrom("boss", "/help"))
	for _, want := range []string{"/pause", "/allow", "/history"} {
		if !strings.Contains(help.Response, want) {
			t.Errorf("help response missing %s", want)
		}
	}

	if res := r.ExecuteCommand(incomingFrom("boss", "/bogus")); res.Handled {
		t.Error("unknown command reported as handled")
	}
}

func TestHistoryCommand(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "got it"}
	r := newTestResponder(fake, func(cfg *Config) {
		cfg.Access.Admins = []string{"boss"}
	})

	if res := r.ExecuteCommand(incomingFrom("boss", "/history")); !strings.Contains(res.Response, "No conversations") {
		t.Errorf("empty history response = %q", res.Response)
	}

	r.HandleIncoming(t.Context(), incomingFrom("alice", "hello there"))

	list := r.ExecuteCommand(incomingFrom("boss", "/history"))
	if !strings.Contains(list.Response, "test:alice") {
		t.Errorf("history list = %q, want test:alice entry", list.Response)
	}

	one := r.ExecuteCommand(incomingFrom("boss", "/history alice"))
	if !strings.Contains(one.Response, "hello there") || !strings.Contains(one.Response, "got it") {
		t.Errorf("conversation view = %q, want both sides", one.Response)
	}

	missing := r.ExecuteCommand(incomingFrom("boss", "/history nobody"))
	if !strings.Contains(missing.Response, "No conversation stored") {
		t.Errorf("missing contact response = %q", missing.Response)
	}
}

func TestCommandsNeverRecorded(t *testing.T) {
	t.Parallel()

	r := newTestResponder(&fakeCompleter{reply: "x"}, func(cfg *Config) {
		cfg.Access.Admins = []string{"boss"}
	})

	r.processIncoming(t.Context(), incomingFrom("boss", "/status"))

	if got := len(r.history.Contacts()); got != 0 {
		t.Errorf("command left %d conversations in history, want 0", got)
	}
}

func TestProcessIncomingDeduplicates(t *testing.T) {
	t.Parallel()

	fake := &fakeCompleter{reply: "once"}
	r := newTestResponder(fake, nil)

	msg := incomingFrom("alice", "knock knock")
	msg.ID = "dup-1"

	r.processIncoming(t.Context(), msg)
	r.processIncoming(t.Context(), msg)

	if fake.callCount() != 1 {
		t.Errorf("completer called %d times for a duplicate message, want 1", fake.callCount())
	}
	if got := len(r.history.Context("test:alice")); got != 2 {
		t.Errorf("history has %d messages, want one pair", got)
	}
}
