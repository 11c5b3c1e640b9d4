// Package rules is the narrow contract the core depends on from
// original_source/conductor/rules_engine.py: evaluate an event against a
// set of trigger/action rules and return the actions that fired. The
// YAML rules file format itself is out of scope (spec.md excludes the
// "rules engine's real trigger/action YAML schema" as an external
// collaborator) — this package only holds the in-memory evaluation the
// core needs to turn a matched rule into a follow-up task.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/model"
)

// Action is what a matched rule asks the caller to do, generally create
// a follow-up task via internal/task.
type Action struct {
	Type     string
	Title    string
	Priority model.TaskPriority
	RuleName string
	Event    eventhub.Event
}

// Engine evaluates events against a fixed in-memory set of rules. There
// is no file-backed loader here: spec.md leaves the YAML rules schema
// out of scope, so the rule set is whatever the caller passes to New or
// SetRules.
type Engine struct {
	mu    sync.RWMutex
	rules []model.Rule
	log   hclog.Logger
}

// New builds an Engine over rules.
func New(rules []model.Rule, log hclog.Logger) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{rules: rules, log: log}
}

// SetRules replaces the active rule set.
func (e *Engine) SetRules(rules []model.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Evaluate checks event against every enabled rule and returns the
// actions produced by the ones that matched, in rule order.
func (e *Engine) Evaluate(event eventhub.Event) []Action {
	e.mu.RLock()
	rules := make([]model.Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	fields, searchable := flatten(event)

	var actions []Action
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !matchesTrigger(rule, event, fields, searchable) {
			continue
		}
		action := buildAction(rule, event, fields)
		actions = append(actions, action)
		e.log.Debug("rule triggered", "rule", rule.Name, "event_type", event.Type, "action_type", action.Type)
	}
	return actions
}

func matchesTrigger(rule model.Rule, event eventhub.Event, fields map[string]string, searchable string) bool {
	if rule.TriggerType != "" && rule.TriggerType != string(event.Type) {
		return false
	}
	if rule.TriggerSource != "" {
		source := fields["source"]
		if !strings.EqualFold(rule.TriggerSource, source) {
			return false
		}
	}
	if rule.TriggerPattern != "" {
		re, err := regexp.Compile("(?i)" + rule.TriggerPattern)
		if err != nil {
			return false
		}
		if !re.MatchString(searchable) {
			return false
		}
	}
	return true
}

func buildAction(rule model.Rule, event eventhub.Event, fields map[string]string) Action {
	title := rule.ActionTemplate
	for key, value := range fields {
		title = strings.ReplaceAll(title, fmt.Sprintf("{%s}", key), value)
	}
	return Action{
		Type:     rule.ActionType,
		Title:    title,
		Priority: rule.ActionPriority,
		RuleName: rule.Name,
		Event:    event,
	}
}

// flatten produces the top-level string fields of event (for {key}
// template substitution and the source filter) plus a JSON rendering of
// the whole event (for pattern matching), mirroring rules_engine.py's
// use of event.items() and json.dumps(event) respectively.
func flatten(event eventhub.Event) (map[string]string, string) {
	fields := map[string]string{
		"type": string(event.Type),
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fields, ""
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		for k, v := range payload {
			fields[k] = stringify(v)
		}
		if nested, ok := payload["payload"].(map[string]any); ok {
			for k, v := range nested {
				fields[k] = stringify(v)
			}
		}
	}

	return fields, string(raw)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
