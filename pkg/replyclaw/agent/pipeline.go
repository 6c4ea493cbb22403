// Package agent – pipeline.go is the reply pipeline: the ordered steps that
// turn one incoming message into a reply, a suppression or a failure.
package agent

import (
	"context"
	"fmt"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	// OutcomeReplied means a reply was produced and recorded.
	OutcomeReplied Outcome = "replied"

	// OutcomeSuppressed means the message was dropped on purpose: the agent
	// is paused or the contact is not eligible.
	OutcomeSuppressed Outcome = "suppressed"

	// OutcomeFailed means a reply was attempted but could not be produced.
	// The incoming message stays recorded so the context survives.
	OutcomeFailed Outcome = "failed"
)

// Result describes how the pipeline finished for one message.
type Result struct {
	Outcome Outcome
	Reply   string // set when Outcome is OutcomeReplied
	Reason  string // set when Outcome is OutcomeSuppressed or OutcomeFailed
}

func suppressed(reason string) Result {
	return Result{Outcome: OutcomeSuppressed, Reason: reason}
}

func failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

func replied(text string) Result {
	return Result{Outcome: OutcomeReplied, Reply: text}
}

// HandleIncoming runs the reply pipeline for one message:
// enabled check → contact filter → record → canned reply → completion →
// record reply. Runs for the same contact are serialized; different
// contacts run concurrently. Delivery is the caller's job.
func (r *Responder) HandleIncoming(ctx context.Context, msg channels.Message) Result {
	contact := normalizeContact(msg.Contact)
	convKey := msg.Channel + ":" + contact

	lock := r.contactLock(convKey)
	lock.Lock()
	defer lock.Unlock()

	logger := r.logger.With("channel", msg.Channel, "contact", contact)

	// ── Step 1: Enabled check ──
	// A paused agent drops the message entirely. Nothing is recorded, so
	// pausing never leaks messages into history.
	if !r.enabled.Load() {
		logger.Debug("agent paused, message dropped")
		return suppressed("auto-reply disabled")
	}

	// ── Step 2: Contact filter ──
	elig := r.filter.Check(contact)
	if !elig.Eligible {
		if r.cfg.Access.RecordFiltered {
			r.history.Record(convKey, DirectionIncoming, msg.Text)
		}
		logger.Debug("contact not eligible", "reason", elig.Reason)
		return suppressed(elig.Reason)
	}

	// ── Step 3: Record the incoming message ──
	// The prompt context is snapshotted first so the new message is not
	// duplicated inside it. Recording happens before the completion call:
	// a failed completion must not lose the incoming message.
	prior := r.history.Context(convKey)
	r.history.Record(convKey, DirectionIncoming, msg.Text)

	// ── Step 4: Canned replies ──
	// Keyword matches skip the model entirely but still update both sides
	// of the conversation.
	if reply, ok := matchCannedReply(r.cfg.CannedReplies, msg.Text); ok {
		r.history.Record(convKey, DirectionOutgoing, reply)
		logger.Debug("canned reply matched")
		return replied(reply)
	}

	// ── Step 5: Build the prompt ──
	instructions := r.cfg.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	replyCfg := r.cfg.Reply.Effective()
	prompt := buildPromptMessages(instructions, msg.ContactName, prior, msg.Text,
		replyCfg.ContextMessages, replyCfg.PromptMaxChars)

	// ── Step 6: Completion ──
	// The client owns timeout and transient retries; by the time an error
	// surfaces here the attempt is spent.
	text, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return failed(fmt.Sprintf("completion: %v", err))
	}
	if text == "" {
		return failed("empty completion")
	}

	// ── Step 7: Record the reply ──
	r.history.Record(convKey, DirectionOutgoing, text)
	return replied(text)
}
