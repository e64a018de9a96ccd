package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/BillPolly/toolgate/internal/audit"
	"github.com/BillPolly/toolgate/internal/config"
)

var statusDecisionLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending approvals and recent policy decisions",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusDecisionLimit, "decisions", 10, "number of recent policy decisions to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	auditPath, err := config.ExpandHome(cfg.Paths.AuditDB)
	if err != nil {
		return err
	}
	store, err := audit.Open(auditPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	pending, err := store.GetPendingApprovals()
	if err != nil {
		return err
	}
	color.Cyan("Pending approvals: %d", len(pending))
	for _, rec := range pending {
		fmt.Printf("  %s  tool=%s tier=%d created=%s\n",
			color.YellowString(rec.ApprovalID), rec.Tool, rec.Tier,
			rec.CreatedAt.Format("2006-01-02 15:04:05"))
		if rec.Arguments != "" {
			fmt.Printf("      args: %s\n", rec.Arguments)
		}
	}

	decisions, err := store.RecentDecisions(statusDecisionLimit)
	if err != nil {
		return err
	}
	color.Cyan("Recent policy decisions: %d", len(decisions))
	for _, d := range decisions {
		verdict := color.GreenString("allow")
		if !d.Allowed {
			verdict = color.RedString("gate")
		}
		fmt.Printf("  %s  tool=%s tier=%d reason=%s\n", verdict, d.Tool, d.Tier, d.Reason)
	}
	return nil
}
