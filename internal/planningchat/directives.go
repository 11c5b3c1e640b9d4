package planningchat

import (
	"regexp"
	"strings"
)

// TaskDirectives holds the task-creation overrides a user can embed in a
// plan-approval message (e.g. "approve, repo=owner/repo branch=release-9
// model=sonnet autopr=false"). Adapted from the bot-mention option syntax
// server_teacher_ref/parser/parser.go stripped out of Slack/Mattermost
// messages; here it applies to the text a user sends when approving a
// plan, with the bot-mention/bracket/natural-language stripping removed
// since the planning chat has no mention syntax of its own.
type TaskDirectives struct {
	Repository string
	Branch     string
	Model      string
	AutoPR     *bool
}

var inlineOptionRe = regexp.MustCompile(`(?i)\b(repo|branch|model|autopr)=(\S+)`)

// ParseTaskDirectives extracts repo=/branch=/model=/autopr= directives
// from message and returns the remaining text with those tokens removed.
func ParseTaskDirectives(message string) (TaskDirectives, string) {
	var directives TaskDirectives

	matches := inlineOptionRe.FindAllStringSubmatchIndex(message, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		loc := matches[i]
		key := strings.ToLower(message[loc[2]:loc[3]])
		value := message[loc[4]:loc[5]]
		switch key {
		case "repo":
			directives.Repository = value
		case "branch":
			directives.Branch = value
		case "model":
			directives.Model = value
		case "autopr":
			b := strings.EqualFold(value, "true")
			directives.AutoPR = &b
		}
		message = message[:loc[0]] + message[loc[1]:]
	}

	message = strings.Join(strings.Fields(message), " ")
	return directives, message
}
