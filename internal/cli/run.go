package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/BillPolly/toolgate/internal/approval"
	"github.com/BillPolly/toolgate/internal/audit"
	"github.com/BillPolly/toolgate/internal/config"
	"github.com/BillPolly/toolgate/internal/events"
	"github.com/BillPolly/toolgate/internal/loopdetect"
	"github.com/BillPolly/toolgate/internal/orchestrator"
	"github.com/BillPolly/toolgate/internal/policy"
	"github.com/BillPolly/toolgate/internal/provider"
	"github.com/BillPolly/toolgate/internal/rategate"
	"github.com/BillPolly/toolgate/internal/tools"
)

var runPromptID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine, reading tool-call requests from stdin",
	Long: `Reads one request per line from stdin and schedules it.

Request lines are JSON: {"tool_name":"read_file","args":{"path":"/tmp/x"}}
Approval replies: approve:<id> or deny:<id>
Prompt boundary:  reset:<prompt-id>
Inspection:       records, stats`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&runPromptID, "prompt-id", "", "initial prompt id (default: random)")
}

// engine bundles the wired components for the run loop.
type engine struct {
	scheduler *orchestrator.Scheduler
	detector  *loopdetect.Detector
	approvals *approval.Manager
	gate      *rategate.Gate
	store     *audit.Store
	kafka     *events.KafkaSink
	slack     *events.SlackNotifier
}

func buildEngine(cfg *config.Config) (*engine, error) {
	dispatcher := events.NewDispatcher()

	var kafkaSink *events.KafkaSink
	if cfg.Sinks.Kafka.Enabled {
		kafkaSink = events.NewKafkaSink(cfg.Sinks.Kafka.Brokers, cfg.Sinks.Kafka.Topic)
		dispatcher.SubscribeAll(kafkaSink.Handle)
	}
	var slackSink *events.SlackNotifier
	if cfg.Sinks.Slack.Enabled {
		slackSink = events.NewSlackNotifier(cfg.Sinks.Slack.Token, cfg.Sinks.Slack.Channel)
		dispatcher.SubscribeAll(slackSink.Handle)
	}

	auditPath, err := config.ExpandHome(cfg.Paths.AuditDB)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0755); err != nil {
		slog.Warn("Could not create audit db directory", "error", err)
	}
	store, err := audit.Open(auditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	approvals := approval.NewManager(store)

	gate := rategate.New(rategate.Options{
		Requester:         rategate.NewGitHubRequester(cfg.GitHub.BaseURL, cfg.GitHub.Token),
		ThrottleThreshold: cfg.RateGate.ThrottleThreshold,
		MaxRetries:        cfg.RateGate.MaxRetries,
		MaxQueueSize:      cfg.RateGate.MaxQueueSize,
		QueueTimeout:      cfg.RateGate.QueueTimeout,
		RetryDelay:        cfg.RateGate.RetryDelay,
		Events:            dispatcher,
	})

	var judge loopdetect.Judge
	if cfg.Judge.Enabled {
		judge = provider.NewRepetitionJudge(
			provider.NewOpenAIProvider(cfg.Judge.APIKey, cfg.Judge.APIBase, cfg.Judge.Model),
			cfg.Judge.Model,
		)
	}
	detector := loopdetect.New(loopdetect.Options{
		ToolCallThreshold: cfg.LoopDetect.ToolCallThreshold,
		ContentThreshold:  cfg.LoopDetect.ContentThreshold,
		TurnEscalation:    cfg.LoopDetect.TurnEscalation,
		ConsecutiveOnly:   cfg.LoopDetect.ConsecutiveOnly,
		Judge:             judge,
		Events:            dispatcher,
	})

	workspace := func() string {
		ws, _ := config.ExpandHome(cfg.Paths.Workspace)
		return ws
	}
	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool())
	registry.Register(tools.NewWriteFileTool(workspace))
	registry.Register(tools.NewEditFileTool(workspace))
	registry.Register(tools.NewListDirTool())
	registry.Register(tools.NewExecTool(cfg.Tools.Exec.Timeout, cfg.Tools.Exec.RestrictToWorkspace, "", workspace))
	registry.Register(tools.NewGitHubTool(gate))

	scheduler := orchestrator.NewScheduler(orchestrator.Options{
		Registry:        registry,
		Policy:          &policy.DefaultEngine{MaxAutoTier: cfg.Scheduler.MaxAutoTier},
		Approvals:       approvals,
		Audit:           store,
		Events:          dispatcher,
		ApprovalTimeout: approvalTimeoutSetting(store, cfg.Scheduler.ApprovalTimeout),
	})

	return &engine{
		scheduler: scheduler,
		detector:  detector,
		approvals: approvals,
		gate:      gate,
		store:     store,
		kafka:     kafkaSink,
		slack:     slackSink,
	}, nil
}

// approvalTimeoutSetting lets the persisted approval_timeout_seconds
// setting override the configured timeout, so the value survives across
// runs without a config edit.
func approvalTimeoutSetting(store *audit.Store, fallback time.Duration) time.Duration {
	v, err := store.GetSetting("approval_timeout_seconds")
	if err != nil || v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		slog.Warn("Ignoring invalid approval_timeout_seconds setting", "value", v)
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func (e *engine) close() {
	e.gate.Close()
	if e.kafka != nil {
		e.kafka.Close()
	}
	if e.slack != nil {
		e.slack.Close()
	}
	e.store.Close()
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promptID := runPromptID
	if promptID == "" {
		promptID = uuid.NewString()
	}
	eng.detector.ResetForNewPrompt(promptID)
	slog.Info("Engine started", "prompt_id", promptID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		eng.handleLine(ctx, line, &promptID)
	}
	return scanner.Err()
}

func (e *engine) handleLine(ctx context.Context, line string, promptID *string) {
	// Approval replies and prompt resets are control lines, not requests.
	if id, approved, ok := parseApprovalResponse(line); ok {
		if err := e.approvals.Respond(id, approved); err != nil {
			color.Red("No pending approval: %s", id)
		}
		return
	}
	if strings.HasPrefix(line, "reset:") {
		*promptID = strings.TrimSpace(strings.TrimPrefix(line, "reset:"))
		e.detector.ResetForNewPrompt(*promptID)
		color.Cyan("New prompt: %s", *promptID)
		return
	}
	if line == "records" {
		recs := e.scheduler.Records()
		color.Cyan("Call records: %d", len(recs))
		for _, rec := range recs {
			fmt.Println(orchestrator.MarshalRecord(rec))
		}
		return
	}
	if line == "stats" {
		stats := e.scheduler.Stats()
		color.Cyan("total=%d active=%d breakdown=%v avg=%s",
			stats.TotalCalls, stats.ActiveCalls, stats.StatusBreakdown, stats.AverageDuration)
		return
	}

	var req orchestrator.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		color.Red("Bad request: %v", err)
		return
	}
	req.PromptID = *promptID

	// Loop check gates scheduling: a flagged prompt aborts here.
	if e.detector.CheckToolCallLoop(req.ToolName, req.Args) {
		color.Red("Loop detected for prompt %s; call aborted", *promptID)
		return
	}

	res := e.scheduler.Schedule(ctx, req)
	printResult(res)
}

func printResult(res orchestrator.Result) {
	switch {
	case res.Success:
		color.Green("ok call=%s duration=%dms", res.CallID, res.Duration.Milliseconds())
		if res.Output != "" {
			fmt.Println(res.Output)
		}
	case res.Status == orchestrator.StatusAwaitingApproval:
		color.Yellow("awaiting approval call=%s approval=%s (reply approve:%s or deny:%s)",
			res.CallID, res.ApprovalID, res.ApprovalID, res.ApprovalID)
	default:
		color.Red("failed call=%s status=%s error=%s", res.CallID, res.Status, res.Error)
	}
}

// parseApprovalResponse checks if a line is an approval reply.
// Returns (id, approved, ok).
func parseApprovalResponse(content string) (string, bool, bool) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "approve:") {
		id := strings.TrimSpace(strings.TrimPrefix(trimmed, "approve:"))
		if id != "" {
			return id, true, true
		}
	}
	if strings.HasPrefix(trimmed, "deny:") {
		id := strings.TrimSpace(strings.TrimPrefix(trimmed, "deny:"))
		if id != "" {
			return id, false, true
		}
	}
	return "", false, false
}
