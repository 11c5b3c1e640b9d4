// Package quota enforces Conductor's daily usage budget against the
// upstream coding-agent service: a capped number of agent spawns and
// prompts per day, with a soft pause threshold and a reserve held back
// for manual intervention. Ported from
// original_source/conductor/quota_manager.py.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/store"
)

// Status is a snapshot of the day's usage against configured limits.
type Status struct {
	Date               string
	AgentRequestsUsed  int
	AgentRequestsLimit int
	PromptsUsed        int
	PromptsLimit       int
	ActiveAgents       int
	MaxConcurrentAgents int
	PercentUsed        float64
	Paused             bool
	ResetAt            time.Time
}

// Manager tracks concurrent agent count in memory and persists daily
// counters through store.Store. One Manager is shared by every component
// that spawns agents or sends prompts.
type Manager struct {
	mu     sync.Mutex
	cfg    config.QuotaConfig
	store  *store.Store
	active int
	paused bool
	now    func() time.Time
}

// New builds a Manager over cfg and the shared store. now is injectable
// for tests; pass nil to use time.Now.
func New(cfg config.QuotaConfig, st *store.Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, store: st, now: now}
}

// today computes the day key as YYYY-MM-DD under the configured offset
// from UTC, resolving spec.md §9's Open Question about which wall clock
// governs the daily reset (the original hardcodes Pacific time; here it
// is Manager.cfg.DayOffset).
func (m *Manager) today() string {
	return m.now().UTC().Add(m.cfg.DayOffset).Format("2006-01-02")
}

// nextReset returns the UTC instant of the next day-key rollover.
func (m *Manager) nextReset() time.Time {
	local := m.now().UTC().Add(m.cfg.DayOffset)
	nextLocalMidnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, time.UTC)
	return nextLocalMidnight.Add(-m.cfg.DayOffset)
}

// GetStatus returns today's usage snapshot.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	day := m.today()
	usage, err := m.store.GetQuotaUsage(ctx, day)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	active := m.active
	paused := m.paused
	m.mu.Unlock()

	effectiveLimit := m.cfg.DailyAgentRequests - m.cfg.ReserveRequests
	var percent float64
	if effectiveLimit > 0 {
		percent = float64(usage.AgentRequests) / float64(effectiveLimit) * 100
	}

	return Status{
		Date:                day,
		AgentRequestsUsed:   usage.AgentRequests,
		AgentRequestsLimit:  m.cfg.DailyAgentRequests,
		PromptsUsed:         usage.Prompts,
		PromptsLimit:        m.cfg.DailyPrompts,
		ActiveAgents:        active,
		MaxConcurrentAgents: m.cfg.MaxConcurrentAgents,
		PercentUsed:         percent,
		Paused:              paused,
		ResetAt:             m.nextReset(),
	}, nil
}

// CanStartAgent reports whether a new agent may be spawned right now, and
// if not, why. Mirrors original_source's can_start_agent: manual pause,
// concurrency cap, the reserve-adjusted daily cap, and the
// pause-at-percent threshold of that cap, checked in that order. The last
// two also set the paused flag.
func (m *Manager) CanStartAgent(ctx context.Context) (bool, string, error) {
	m.mu.Lock()
	paused := m.paused
	active := m.active
	m.mu.Unlock()

	if paused {
		return false, "quota manager is paused", nil
	}
	if active >= m.cfg.MaxConcurrentAgents {
		return false, "max concurrent agents reached", nil
	}

	day := m.today()
	usage, err := m.store.GetQuotaUsage(ctx, day)
	if err != nil {
		return false, "", err
	}

	effectiveLimit := m.cfg.DailyAgentRequests - m.cfg.ReserveRequests
	if usage.AgentRequests >= effectiveLimit {
		m.mu.Lock()
		m.paused = true
		m.mu.Unlock()
		return false, "daily agent request quota exhausted", nil
	}

	percent := float64(usage.AgentRequests) / float64(effectiveLimit) * 100
	if percent >= float64(m.cfg.PauseAtPercent) {
		m.mu.Lock()
		m.paused = true
		m.mu.Unlock()
		return false, "daily agent request quota near exhaustion", nil
	}

	return true, "", nil
}

// RecordAgentRequest increments today's agent-request counter by one.
func (m *Manager) RecordAgentRequest(ctx context.Context) error {
	return m.store.IncrementAgentRequests(ctx, m.today(), 1)
}

// RecordPrompt increments today's prompt counter by one.
func (m *Manager) RecordPrompt(ctx context.Context) error {
	return m.store.IncrementPrompts(ctx, m.today(), 1)
}

// AgentStarted marks one more agent as concurrently active.
func (m *Manager) AgentStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
}

// AgentStopped marks one fewer agent as concurrently active. Floors at
// zero so a duplicate stop notification can never go negative.
func (m *Manager) AgentStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
}

// Resume manually lifts a pause set by an operator (or set automatically
// by CanStartAgent).
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Pause manually halts new agent spawns until Resume is called or
// CheckReset finds no agent requests recorded for today.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// CheckReset reports whether today's usage has rolled over to a fresh
// day (zero recorded agent requests) while the Manager was paused, and
// if so auto-resumes it, mirroring original_source's check_reset. The
// scheduler calls this once per tick (spec.md §4.8 step 1) so a quota
// pause set yesterday clears itself at the day boundary without an
// operator having to call Resume manually.
func (m *Manager) CheckReset(ctx context.Context) (bool, error) {
	usage, err := m.store.GetQuotaUsage(ctx, m.today())
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if usage.AgentRequests == 0 && m.paused {
		m.paused = false
		return true, nil
	}
	return false, nil
}

// TimeUntilReset reports the duration until the next daily rollover.
func (m *Manager) TimeUntilReset() time.Duration {
	return m.nextReset().Sub(m.now())
}
