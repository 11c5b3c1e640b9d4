// Package planningchat is the narrow slice of Conductor's planning-chat
// front end the core depends on. spec.md excludes prompt construction and
// file-context gathering (the LLM-facing half of planning chat); what
// remains is append/read of a conversation's history and the hook the
// Agent Lifecycle calls on every failed run so that "the last several
// output lines ... are appended to the associated conversation"
// (spec.md §7), grounded on original_source/conductor/logger.py's
// conversation-note convention for recording agent failures.
package planningchat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/store"
)

// maxFailureLines bounds how much of an agent's tail output is appended
// to the conversation, matching the 20-line tail the Agent Lifecycle
// passes when it reports a failed run.
const maxFailureLines = 20

// Chat appends to and reads a conversation's history against Persistence.
type Chat struct {
	store *store.Store
	now   func() time.Time
}

// New builds a Chat over st.
func New(st *store.Store, now func() time.Time) *Chat {
	if now == nil {
		now = time.Now
	}
	return &Chat{store: st, now: now}
}

// Append records one message in conversationID's history.
func (c *Chat) Append(ctx context.Context, conversationID, role, content string) (int64, error) {
	return c.store.AppendChatMessage(ctx, model.ChatMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      c.now().UTC(),
	})
}

// History returns conversationID's full message history in order.
func (c *Chat) History(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	return c.store.ListChatMessages(ctx, conversationID)
}

// PostPlanFailure appends a system message reporting a failed agent
// run to conversationID, carrying the tail of the agent's output so
// a human (or the next planning turn) has the context without needing
// to dig through the session log. lines longer than maxFailureLines are
// truncated to the most recent ones.
func (c *Chat) PostPlanFailure(ctx context.Context, conversationID string, lines []string) error {
	if conversationID == "" {
		return errors.New("planningchat: conversationID is required")
	}
	if len(lines) > maxFailureLines {
		lines = lines[len(lines)-maxFailureLines:]
	}
	content := "Agent run failed. Last output:\n" + strings.Join(lines, "\n")
	_, err := c.Append(ctx, conversationID, "system", content)
	return errors.Wrap(err, "post plan failure")
}
