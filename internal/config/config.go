// Package config loads Conductor's YAML configuration file into typed
// structs, filling in the defaults original_source/conductor hardcodes.
// The richer config front-end (live reload, file watching, CLI flag
// overlay) is out of scope per spec.md; this package only decodes and
// defaults a concrete Config value for the core components to construct
// against.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// GuardrailsConfig mirrors spec.md §6's guardrails config keys.
type GuardrailsConfig struct {
	ProtectedBranches      []string `yaml:"protected-branches"`
	BlockedPaths           []string `yaml:"blocked-paths"`
	MaxFilesChanged        int      `yaml:"max-files-changed"`
	MaxLinesChanged        int      `yaml:"max-lines-changed"`
	TaskTimeoutMinutes     int      `yaml:"task-timeout-minutes"`
	MaxRetries             int      `yaml:"max-retries"`
	BlockForcePush         bool     `yaml:"block-force-push"`
	AutoRollbackOnFailure  bool     `yaml:"auto-rollback-on-failure"`
}

// QuotaConfig mirrors spec.md §6's quota config keys.
type QuotaConfig struct {
	DailyAgentRequests int `yaml:"daily-agent-requests"`
	DailyPrompts       int `yaml:"daily-prompts"`
	MaxConcurrentAgents int `yaml:"max-concurrent-agents"`
	PauseAtPercent     int `yaml:"pause-at-percent"`
	ReserveRequests    int `yaml:"reserve-requests"`
	// DayOffset resolves the Open Question in spec.md §9: the day-key
	// boundary is a configurable offset from UTC rather than a hardcoded
	// timezone.
	DayOffset time.Duration `yaml:"day-offset"`
}

// PRLifecycleConfig mirrors spec.md §6's pr-lifecycle config keys.
type PRLifecycleConfig struct {
	MaxGreptileIterations int      `yaml:"max-greptile-iterations"`
	MaxPrecheckRetries    int      `yaml:"max-precheck-retries"`
	MaxCIFixRetries       int      `yaml:"max-ci-fix-retries"`
	PrecheckCommand       string   `yaml:"precheck-command"`
	TestCommands          []string `yaml:"test-commands"`
	PRBaseBranch          string   `yaml:"pr-base-branch"`
	ReviewBotLogins       []string `yaml:"review-bot-logins"`
}

// GitHubConfig mirrors spec.md §6's github config keys.
type GitHubConfig struct {
	Repo         string `yaml:"repo"`
	PollInterval time.Duration `yaml:"poll-interval"`
}

// Config is the full set of recognized configuration keys from spec.md §6.
type Config struct {
	WorkspacePattern string            `yaml:"workspace-pattern"`
	Guardrails       GuardrailsConfig  `yaml:"guardrails"`
	Quota            QuotaConfig       `yaml:"quota"`
	PRLifecycle      PRLifecycleConfig `yaml:"pr-lifecycle"`
	GitHub           GitHubConfig      `yaml:"github"`

	// AgentBinary is the coding-agent subprocess to spawn (spec.md §6's
	// child-agent contract: `<agent-binary> -p <prompt> --yolo
	// --output-format stream-json`).
	AgentBinary string `yaml:"agent-binary"`
	// CredentialEnvVar names the environment variable the child process's
	// external-service credential is passed through under.
	CredentialEnvVar string `yaml:"credential-env-var"`
	Credential       string `yaml:"credential"`

	DBPath  string `yaml:"db-path"`
	LogDir  string `yaml:"log-dir"`
	LogLevel string `yaml:"log-level"`
}

// Default returns a Config populated with the same defaults
// original_source/conductor hardcodes across GuardrailConfig, QuotaManager,
// and PRLifecycleManager.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		WorkspacePattern: home + "/workspace-*",
		Guardrails: GuardrailsConfig{
			ProtectedBranches:     []string{"main", "master", "release/*"},
			BlockedPaths:          []string{"~/.ssh", "~/.conductor", "~/.env", "~/.gitconfig"},
			MaxFilesChanged:       50,
			MaxLinesChanged:       2000,
			TaskTimeoutMinutes:    30,
			MaxRetries:            2,
			BlockForcePush:        true,
			AutoRollbackOnFailure: true,
		},
		Quota: QuotaConfig{
			DailyAgentRequests:  200,
			DailyPrompts:        1500,
			MaxConcurrentAgents: 3,
			PauseAtPercent:      90,
			ReserveRequests:     20,
			DayOffset:           -8 * time.Hour,
		},
		PRLifecycle: PRLifecycleConfig{
			MaxGreptileIterations: 3,
			MaxPrecheckRetries:    3,
			MaxCIFixRetries:       3,
			PrecheckCommand:       "scripts/precheck.sh",
			PRBaseBranch:          "main",
			ReviewBotLogins:       []string{"greptile", "coderabbitai[bot]"},
		},
		GitHub: GitHubConfig{
			PollInterval: 30 * time.Second,
		},
		AgentBinary:      "agent-cli",
		CredentialEnvVar: "CONDUCTOR_AGENT_API_KEY",
		DBPath:           home + "/.conductor/conductor.db",
		LogDir:           home + "/.conductor/logs",
		LogLevel:         "info",
	}
}

// Load reads and decodes the YAML file at path on top of Default(). A
// missing file is not an error — the defaults stand alone, matching
// original_source/conductor/server.py's load_config, which silently
// returns {} when the config file doesn't exist yet.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	return cfg, nil
}
