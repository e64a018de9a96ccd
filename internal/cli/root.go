// Package cli wires the toolgate commands.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/BillPolly/toolgate/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"  _              _            _\n" +
		" | |_ ___   ___ | | __ _  __ _| |_ ___\n" +
		" | __/ _ \\ / _ \\| |/ _` |/ _` | __/ _ \\\n" +
		" | || (_) | (_) | | (_| | (_| | ||  __/\n" +
		"  \\__\\___/ \\___/|_|\\__, |\\__,_|\\__\\___|\n" +
		"                   |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - tool-call orchestration and safety engine",
	Long:  color.CyanString(logo) + "\nSchedules agent tool calls with loop detection, approval gating, and rate-limited API access.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the toolgate version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("toolgate %s\n", version)
	},
}
