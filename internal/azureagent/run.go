package azureagent

import (
	"context"
	"net/http"
	"time"
)

// ReplyFallback is returned with a 200 when no assistant text could be
// extracted from the messages payload.
const ReplyFallback = "Desculpe, não consegui gerar uma resposta 😅"

// RunStatus is the upstream's view of an in-flight run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether polling should stop. requires_action is
// non-terminal: the gateway never submits tool outputs, so an agent that
// genuinely requires them keeps polling until the bound trips (known
// limitation).
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusRequiresAction:
		return false
	}
	return true
}

// Succeeded reports whether a terminal status allows the message fetch.
// Every other terminal status is treated as failure.
func (s RunStatus) Succeeded() bool {
	return s == StatusCompleted
}

// TurnResult carries the reply plus the upstream identifiers observed during
// the turn. Identifiers are populated as phases complete, so on error the
// partial result still names the thread and run involved.
type TurnResult struct {
	Reply    string
	ThreadID string
	RunID    string
	Polls    int
}

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	partTypeText  = "text"
)

type threadPayload struct {
	ID string `json:"id"`
}

type userMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type startRunPayload struct {
	AssistantID string `json:"assistant_id"`
}

type runPayload struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	LastError *runError `json:"last_error"`
}

type runError struct {
	Message string `json:"message"`
}

type messageList struct {
	Data []threadMessage `json:"data"`
}

type threadMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// contentPart is one tagged content variant. Only text is recognized; other
// part types decode with a nil Text and are skipped.
type contentPart struct {
	Type string       `json:"type"`
	Text *textContent `json:"text"`
}

type textContent struct {
	Value string `json:"value"`
}

// RunTurn executes one chat turn: create a thread, post the user message,
// start a run, poll until terminal, fetch messages, extract the first
// assistant text. The thread lives for this turn only and is never deleted,
// even when a later phase fails.
func (c *Client) RunTurn(ctx context.Context, userMessage string) (TurnResult, error) {
	var result TurnResult

	var thread threadPayload
	if err := c.call(ctx, http.MethodPost, "/threads", map[string]any{}, &thread); err != nil {
		return result, err
	}
	result.ThreadID = thread.ID
	c.logger.Info("turn.thread_created", "threadId", thread.ID)

	message := userMessagePayload{Role: roleUser, Content: userMessage}
	if err := c.call(ctx, http.MethodPost, "/threads/"+thread.ID+"/messages", message, nil); err != nil {
		return result, err
	}

	var run runPayload
	if err := c.call(ctx, http.MethodPost, "/threads/"+thread.ID+"/runs", startRunPayload{AssistantID: c.agentID}, &run); err != nil {
		return result, err
	}
	result.RunID = run.ID
	c.logger.Info("turn.run_started", "threadId", thread.ID, "runId", run.ID, "status", string(run.Status))

	for !run.Status.Terminal() {
		if result.Polls >= c.maxPollAttempts {
			return result, &TimeoutError{}
		}
		if err := sleepContext(ctx, c.pollInterval); err != nil {
			return result, err
		}

		var updated runPayload
		if err := c.call(ctx, http.MethodGet, "/threads/"+thread.ID+"/runs/"+run.ID, nil, &updated); err != nil {
			return result, err
		}
		run = updated
		result.Polls++
		c.logger.Debug("turn.poll",
			"runId", run.ID,
			"status", string(run.Status),
			"attempt", result.Polls,
			"maxAttempts", c.maxPollAttempts,
		)
	}

	if !run.Status.Succeeded() {
		reason := ""
		if run.LastError != nil {
			reason = run.LastError.Message
		}
		return result, newAgentError(run.Status, reason)
	}

	var messages messageList
	if err := c.call(ctx, http.MethodGet, "/threads/"+thread.ID+"/messages?order=desc&limit=10", nil, &messages); err != nil {
		return result, err
	}

	reply, ok := extractAssistantReply(messages)
	if !ok {
		c.logger.Warn("turn.no_assistant_reply", "threadId", thread.ID, "runId", run.ID, "messages", len(messages.Data))
		result.Reply = ReplyFallback
		return result, nil
	}

	result.Reply = reply
	return result, nil
}

// extractAssistantReply locates the newest assistant message (the list is
// newest-first) and returns the value of its first text part. Older assistant
// messages are not consulted.
func extractAssistantReply(messages messageList) (string, bool) {
	for _, msg := range messages.Data {
		if msg.Role != roleAssistant {
			continue
		}
		for _, part := range msg.Content {
			if part.Type != partTypeText {
				continue
			}
			if part.Text == nil || part.Text.Value == "" {
				return "", false
			}
			return part.Text.Value, true
		}
		return "", false
	}
	return "", false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
