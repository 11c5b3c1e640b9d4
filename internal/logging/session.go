package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// TimelineEvent is one entry in a session's append-only timeline.
type TimelineEvent struct {
	Event string         `json:"event"`
	TS    time.Time      `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

// SessionLogger records the deep, per-task history of one agent run:
// the prompt it was given, every output line observed, a timeline of
// milestones, and a final JSON summary. One SessionLogger is created per
// agent spawn and discarded once its summary is flushed.
//
// Mirrors original_source/conductor/logger.py's SessionLogger, with the
// final summary write made crash-atomic via renameio instead of a plain
// os.WriteFile, so a crash mid-flush never leaves a truncated summary for
// the next LLM turn to read.
type SessionLogger struct {
	mu        sync.Mutex
	dir       string
	taskID    int64
	prompt    string
	output    []string
	timeline  []TimelineEvent
}

// NewSessionLogger creates a session log directory under root for taskID.
func NewSessionLogger(root string, taskID int64) (*SessionLogger, error) {
	dir := filepath.Join(root, "sessions", fmt.Sprintf("%d", taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create session log directory")
	}
	return &SessionLogger{dir: dir, taskID: taskID}, nil
}

// LogPrompt records the full prompt (preamble + task description) sent to
// the agent.
func (s *SessionLogger) LogPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

// LogAgentOutput appends one observed output line to the session transcript.
func (s *SessionLogger) LogAgentOutput(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, line)
}

// LogTimelineEvent records a milestone (snapshot_created, agent_spawned,
// agent_completed, ...) with optional structured data.
func (s *SessionLogger) LogTimelineEvent(event string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, TimelineEvent{Event: event, TS: time.Now(), Data: data})
}

// Summary is the final JSON record written once an agent run completes.
type Summary struct {
	TaskID        int64          `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	ExitCode      int            `json:"exit_code"`
	Status        string         `json:"status"`
	FilesChanged  int            `json:"files_changed"`
	LinesChanged  int            `json:"lines_changed"`
	RequestCount  int            `json:"request_count"`
	DiffOK        bool           `json:"diff_ok"`
	Prompt        string         `json:"prompt"`
	OutputLines   []string       `json:"output_lines"`
	Timeline      []TimelineEvent `json:"timeline"`
}

// WriteSummary fills in the session's prompt, output lines and timeline
// and writes the result atomically to summary.json in the session
// directory.
func (s *SessionLogger) WriteSummary(sum Summary) error {
	s.mu.Lock()
	sum.Prompt = s.prompt
	sum.OutputLines = append([]string(nil), s.output...)
	sum.Timeline = append([]TimelineEvent(nil), s.timeline...)
	s.mu.Unlock()

	buf, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal session summary")
	}
	path := filepath.Join(s.dir, "summary.json")
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrap(err, "write session summary")
	}
	return nil
}

// Tail returns the last n output lines observed, or all of them if fewer
// than n have been recorded.
func (s *SessionLogger) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.output) {
		return append([]string(nil), s.output...)
	}
	return append([]string(nil), s.output[len(s.output)-n:]...)
}

// SummaryLog appends one compact JSON line per completed task to a shared
// analytics file, matching original_source/conductor/logger.py's
// summaries.jsonl.
type SummaryLog struct {
	mu   sync.Mutex
	path string
}

// NewSummaryLog opens (creating parent directories as needed) the shared
// summary feed at path.
func NewSummaryLog(path string) (*SummaryLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create summary log directory")
	}
	return &SummaryLog{path: path}, nil
}

// Append writes one JSON line for a completed task.
func (l *SummaryLog) Append(record map[string]any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal summary record")
	}
	var buf bytes.Buffer
	buf.Write(line)
	buf.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open summary log")
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "append summary log")
	}
	return nil
}
