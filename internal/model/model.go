// Package model defines the persisted entities Conductor operates on.
//
// Every entity here is a plain struct with exported fields; the Persistence
// layer (internal/store) is the only place that resolves an id to an
// entity, and every other component holds only ids or names, never an
// owning reference (see SPEC_FULL.md's note on back-references).
package model

import "time"

// TaskStatus is the finite set of states a Task can occupy.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskBlocked   TaskStatus = "blocked"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskPriority orders tasks within the ready queue. Lower Rank runs first.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// PriorityRank gives the strict ordering 0 < 1 < 2 < 3 spec.md §4.5 requires.
// Unknown priorities sort last.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 99
	}
}

// BlockReason tags why a task sits in TaskBlocked.
type BlockReason string

const (
	BlockDependency     BlockReason = "dependency"
	BlockQuotaExhausted BlockReason = "quota-exhausted"
	BlockNoWorkspace    BlockReason = "no-workspace"
)

// Task is the unit of work the scheduler admits onto a workspace.
type Task struct {
	ID           int64
	Title        string
	Description  string
	Status       TaskStatus
	Priority     TaskPriority
	Branch       string
	Workspace    string
	DependsOn    []int64
	BlockReason  BlockReason
	RetryCount   int
	MaxRetries   int
	FlakeRetries int
	QuotaRetries int
	PipelineID   *int64
	PipelineStep int
	PRLifecycleID *int64
	PRNumber     *int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Metadata     map[string]any
}

// AgentStatus is the finite set of states an Agent subprocess can occupy.
type AgentStatus string

const (
	AgentStarting  AgentStatus = "starting"
	AgentRunning   AgentStatus = "running"
	AgentPaused    AgentStatus = "paused"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentKilled    AgentStatus = "killed"
)

// IsTerminal reports whether the status will never change again.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentKilled:
		return true
	default:
		return false
	}
}

// IsActive reports whether an agent in this status counts against the
// quota manager's concurrency cap.
func (s AgentStatus) IsActive() bool {
	return s == AgentStarting || s == AgentRunning
}

// Agent is the orchestrator's record of one spawned coding-agent subprocess.
// The in-memory output tail is owned exclusively by the agent lifecycle
// supervisor and is not part of the persisted row.
type Agent struct {
	ID           string
	TaskID       int64
	Workspace    string
	PID          int
	Status       AgentStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	RequestCount int
}

// WorkspaceStatus is the finite set of states a Workspace can occupy.
type WorkspaceStatus string

const (
	WorkspaceFree     WorkspaceStatus = "free"
	WorkspaceAssigned WorkspaceStatus = "assigned"
	WorkspaceBusy     WorkspaceStatus = "busy"
)

// Workspace is one on-disk git working tree the orchestrator manages.
type Workspace struct {
	Name          string
	Path          string
	Status        WorkspaceStatus
	AssignedTask  *int64
	AssignedAgent string
	Branch        string
	SnapshotSHA   string
	HasSetAside   bool
}

// PRStage is the finite set of stages in the PR lifecycle automaton.
type PRStage string

const (
	StagePlanning           PRStage = "planning"
	StageCoding             PRStage = "coding"
	StagePrechecks          PRStage = "prechecks"
	StagePRCreated          PRStage = "pr_created"
	StageCIMonitoring       PRStage = "ci_monitoring"
	StageCIFixing           PRStage = "ci_fixing"
	StageGreptileReview     PRStage = "greptile_review"
	StageAddressingComments PRStage = "addressing_comments"
	StageReadyForReview     PRStage = "ready_for_review"
	StageNeedsHuman         PRStage = "needs_human"
	StageMerged             PRStage = "merged"
)

// PRLifecycle drives one change through precheck, CI, review and
// remediation with bounded automatic iteration.
type PRLifecycle struct {
	ID                       int64
	PRNumber                 *int
	Branch                   string
	Title                    string
	Stage                    PRStage
	Iteration                int
	MaxIterations            int
	CIFixCount               int
	PrecheckRetryCount       int
	BotCommentsTotal         int
	BotCommentsResolved      int
	PipelineID               *int64
	CreatedAt                time.Time
}

// PipelineStatus is the finite set of states a Pipeline can occupy.
type PipelineStatus string

const (
	PipelineActive    PipelineStatus = "active"
	PipelineCompleted PipelineStatus = "completed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// Pipeline groups a set of related tasks created to carry out one larger
// unit of work end to end. Recovered from original_source/conductor; folded
// into Task.PipelineID/PipelineStep by the distilled spec but restored here
// as a first-class record per SPEC_FULL.md.
type Pipeline struct {
	ID          int64
	Name        string
	Status      PipelineStatus
	CurrentStep int
	TotalSteps  int
	TaskIDs     []int64
	CreatedAt   time.Time
}

// QuotaUsage is the per-day counter row keyed by a day key string
// (YYYY-MM-DD in the configured offset).
type QuotaUsage struct {
	Date          string
	AgentRequests int
	Prompts       int
}

// ChatMessage is one entry in a conversation's append-only history.
type ChatMessage struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// DiffFileStatus classifies one changed file in a workspace diff.
type DiffFileStatus string

const (
	DiffModified DiffFileStatus = "modified"
	DiffNew      DiffFileStatus = "new"
)

// DiffFile is one file's change summary.
type DiffFile struct {
	Path    string
	Added   int
	Removed int
	Status  DiffFileStatus
}

// DiffStats is the per-file diff breakdown spec.md §9 adopts as the sole
// authoritative shape for get_diff_stats (rejecting the original's second,
// single-string "diff" variant).
type DiffStats struct {
	Workspace   string
	Files       []DiffFile
	TotalFiles  int
	TotalAdded  int
	TotalRemoved int
}

// Rule is the contract-only rules-engine record recovered from
// original_source/conductor/rules_engine.py. The YAML schema that produces
// these is out of scope; this struct is the shape internal/rules consumes.
type Rule struct {
	Name           string
	TriggerType    string
	TriggerPattern string
	TriggerSource  string
	ActionType     string
	ActionTemplate string
	ActionPriority TaskPriority
	Enabled        bool
}
