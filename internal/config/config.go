// Package config provides configuration types and loading for toolgate.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	LoopDetect LoopDetectConfig `json:"loopDetect"`
	RateGate   RateGateConfig   `json:"rateGate"`
	GitHub     GitHubConfig     `json:"github"`
	Judge      JudgeConfig      `json:"judge"`
	Sinks      SinksConfig      `json:"sinks"`
	Tools      ToolsConfig      `json:"tools"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	AuditDB   string `json:"auditDb" envconfig:"AUDIT_DB"`
}

// ---------------------------------------------------------------------------
// Scheduler – tool-call orchestration
// ---------------------------------------------------------------------------

// SchedulerConfig groups scheduler and approval settings.
type SchedulerConfig struct {
	// MaxAutoTier is the highest risk tier that runs without approval.
	MaxAutoTier int `json:"maxAutoTier" envconfig:"MAX_AUTO_TIER"`
	// ApprovalTimeout enables blocking interactive approval when > 0.
	ApprovalTimeout time.Duration `json:"approvalTimeout" envconfig:"APPROVAL_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// LoopDetect – repetition tracking thresholds
// ---------------------------------------------------------------------------

// LoopDetectConfig groups loop-detection thresholds. The exact numbers
// are policy and deliberately configurable.
type LoopDetectConfig struct {
	ToolCallThreshold int  `json:"toolCallThreshold" envconfig:"TOOL_CALL_THRESHOLD"`
	ContentThreshold  int  `json:"contentThreshold" envconfig:"CONTENT_THRESHOLD"`
	TurnEscalation    int  `json:"turnEscalation" envconfig:"TURN_ESCALATION"`
	ConsecutiveOnly   bool `json:"consecutiveOnly" envconfig:"CONSECUTIVE_ONLY"`
}

// ---------------------------------------------------------------------------
// RateGate – outbound API throttling
// ---------------------------------------------------------------------------

// RateGateConfig groups rate-gate settings.
type RateGateConfig struct {
	ThrottleThreshold int           `json:"throttleThreshold" envconfig:"THROTTLE_THRESHOLD"`
	MaxRetries        int           `json:"maxRetries" envconfig:"MAX_RETRIES"`
	MaxQueueSize      int           `json:"maxQueueSize" envconfig:"MAX_QUEUE_SIZE"`
	QueueTimeout      time.Duration `json:"queueTimeout" envconfig:"QUEUE_TIMEOUT"`
	RetryDelay        time.Duration `json:"retryDelay" envconfig:"RETRY_DELAY"`
}

// GitHubConfig configures the GitHub API collaborator.
type GitHubConfig struct {
	Token   string `json:"token" envconfig:"GITHUB_TOKEN"`
	BaseURL string `json:"baseUrl" envconfig:"GITHUB_BASE_URL"`
}

// ---------------------------------------------------------------------------
// Judge – LLM loop-escalation collaborator
// ---------------------------------------------------------------------------

// JudgeConfig configures the optional LLM repetition judge.
type JudgeConfig struct {
	Enabled bool   `json:"enabled" envconfig:"JUDGE_ENABLED"`
	APIKey  string `json:"apiKey" envconfig:"JUDGE_API_KEY"`
	APIBase string `json:"apiBase" envconfig:"JUDGE_API_BASE"`
	Model   string `json:"model" envconfig:"JUDGE_MODEL"`
}

// ---------------------------------------------------------------------------
// Sinks – observability integrations
// ---------------------------------------------------------------------------

// SinksConfig contains event sink configurations.
type SinksConfig struct {
	Kafka KafkaSinkConfig `json:"kafka"`
	Slack SlackSinkConfig `json:"slack"`
}

// KafkaSinkConfig configures the Kafka lifecycle-event sink.
type KafkaSinkConfig struct {
	Enabled bool   `json:"enabled" envconfig:"KAFKA_ENABLED"`
	Brokers string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string `json:"topic" envconfig:"KAFKA_TOPIC"`
}

// SlackSinkConfig configures the Slack approval/loop notifier.
type SlackSinkConfig struct {
	Enabled bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	Token   string `json:"token" envconfig:"SLACK_TOKEN"`
	Channel string `json:"channel" envconfig:"SLACK_CHANNEL"`
}

// ---------------------------------------------------------------------------
// Tools – tool-specific behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Exec ExecToolConfig `json:"exec"`
}

// ExecToolConfig contains shell execution tool settings.
type ExecToolConfig struct {
	Timeout             time.Duration `json:"timeout" envconfig:"EXEC_TIMEOUT"`
	RestrictToWorkspace bool          `json:"restrictToWorkspace" envconfig:"EXEC_RESTRICT_WORKSPACE"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/toolgate-workspace",
			AuditDB:   "~/.toolgate/audit.db",
		},
		Scheduler: SchedulerConfig{
			MaxAutoTier:     0, // only read-only tools run ungated
			ApprovalTimeout: 0, // non-blocking approval by default
		},
		LoopDetect: LoopDetectConfig{
			ToolCallThreshold: 5,
			ContentThreshold:  10,
			TurnEscalation:    30,
			ConsecutiveOnly:   true,
		},
		RateGate: RateGateConfig{
			ThrottleThreshold: 100,
			MaxRetries:        3,
			MaxQueueSize:      100,
			QueueTimeout:      2 * time.Minute,
			RetryDelay:        60 * time.Second,
		},
		GitHub: GitHubConfig{
			BaseURL: "https://api.github.com",
		},
		Judge: JudgeConfig{
			Model: "gpt-4o-mini",
		},
		Sinks: SinksConfig{
			Kafka: KafkaSinkConfig{
				Brokers: "localhost:9092",
				Topic:   "toolgate.events",
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout:             60 * time.Second,
				RestrictToWorkspace: true, // Secure default
			},
		},
	}
}
