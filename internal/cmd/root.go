// Package cmd provides the CLI commands for the stage tool.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "stage",
	Short:   "stagehand - developer workstation process supervisor",
	Version: Version,
	Long: `stagehand starts and supervises the long-running processes a
workspace declares in its manifest, keeps them healthy through restarts
and health checks, and brokers interactive prompts through floating
terminal panes.`,
}

// Command group IDs, used to organize --help output.
const (
	GroupLifecycle = "lifecycle"
	GroupInspect   = "inspect"
	GroupInteract  = "interact"
	GroupDiag      = "diag"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupLifecycle, Title: "Lifecycle:"},
		&cobra.Group{ID: GroupInspect, Title: "Inspection:"},
		&cobra.Group{ID: GroupInteract, Title: "Interaction:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.PersistentFlags().StringVar(&manifestFlag, "manifest", "", "path to the workspace manifest (default: ./stagehand.toml)")
}

var manifestFlag string

// Execute runs the root command and returns an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand is used by parent commands that only group
// subcommands and do nothing on their own.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q", args[0], buildCommandPath(cmd))
}
