package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/model"
)

func TestEvaluate_MatchesOnTriggerType(t *testing.T) {
	e := New([]model.Rule{{
		Name:           "ci-failed",
		TriggerType:    string(eventhub.EventPRStageChanged),
		ActionType:     "create_task",
		ActionTemplate: "handle {type}",
		ActionPriority: model.PriorityHigh,
		Enabled:        true,
	}}, nil)

	actions := e.Evaluate(eventhub.Event{
		Type:      eventhub.EventPRStageChanged,
		Timestamp: time.Unix(0, 0),
		Payload:   map[string]any{"stage": "ci_fixing"},
	})

	require.Len(t, actions, 1)
	require.Equal(t, "create_task", actions[0].Type)
	require.Equal(t, "handle pr_stage_changed", actions[0].Title)
	require.Equal(t, model.PriorityHigh, actions[0].Priority)
}

func TestEvaluate_DisabledRuleNeverMatches(t *testing.T) {
	e := New([]model.Rule{{
		Name:        "disabled",
		TriggerType: string(eventhub.EventAgentOutput),
		Enabled:     false,
	}}, nil)

	actions := e.Evaluate(eventhub.Event{Type: eventhub.EventAgentOutput})
	require.Empty(t, actions)
}

func TestEvaluate_TriggerTypeMismatchSkipsRule(t *testing.T) {
	e := New([]model.Rule{{
		Name:        "wrong-type",
		TriggerType: string(eventhub.EventTaskStatusChanged),
		Enabled:     true,
	}}, nil)

	actions := e.Evaluate(eventhub.Event{Type: eventhub.EventAgentOutput})
	require.Empty(t, actions)
}

func TestEvaluate_TriggerSourceFiltersCaseInsensitively(t *testing.T) {
	e := New([]model.Rule{{
		Name:          "greptile-only",
		TriggerType:   string(eventhub.EventChatMessage),
		TriggerSource: "Greptile",
		Enabled:       true,
	}}, nil)

	match := e.Evaluate(eventhub.Event{
		Type:    eventhub.EventChatMessage,
		Payload: map[string]any{"source": "greptile"},
	})
	require.Len(t, match, 1)

	noMatch := e.Evaluate(eventhub.Event{
		Type:    eventhub.EventChatMessage,
		Payload: map[string]any{"source": "human"},
	})
	require.Empty(t, noMatch)
}

func TestEvaluate_TriggerPatternSearchesEventBody(t *testing.T) {
	e := New([]model.Rule{{
		Name:            "flaky",
		TriggerType:     string(eventhub.EventAgentOutput),
		TriggerPattern:  "connection reset",
		ActionType:      "retry",
		ActionTemplate:  "retry task",
		ActionPriority:  model.PriorityNormal,
		Enabled:         true,
	}}, nil)

	actions := e.Evaluate(eventhub.Event{
		Type:    eventhub.EventAgentOutput,
		Payload: map[string]any{"line": "connection reset by peer"},
	})
	require.Len(t, actions, 1)

	none := e.Evaluate(eventhub.Event{
		Type:    eventhub.EventAgentOutput,
		Payload: map[string]any{"line": "all good"},
	})
	require.Empty(t, none)
}

func TestSetRules_ReplacesActiveSet(t *testing.T) {
	e := New([]model.Rule{{Name: "old", TriggerType: string(eventhub.EventAgentOutput), Enabled: true}}, nil)
	e.SetRules([]model.Rule{{Name: "new", TriggerType: string(eventhub.EventTaskStatusChanged), Enabled: true}})

	actions := e.Evaluate(eventhub.Event{Type: eventhub.EventTaskStatusChanged})
	require.Len(t, actions, 1)
	require.Equal(t, "new", actions[0].RuleName)
}
