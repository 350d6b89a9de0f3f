package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/dispatch"
)

var waitTimeoutMs int

var waitCmd = &cobra.Command{
	Use:     "wait <interaction-id>",
	GroupID: GroupInteract,
	Short:   "Block until an interaction produces a result or times out",
	Args:    cobra.ExactArgs(1),
	RunE:    runWait,
}

func init() {
	waitCmd.Flags().IntVar(&waitTimeoutMs, "timeout", 0, "milliseconds before giving up (0 waits up to 24 hours)")
	rootCmd.AddCommand(waitCmd)
}

func runWait(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	params := dispatch.WaitInteractionParams{ID: args[0], TimeoutMs: waitTimeoutMs}

	// The socket RPC waits as long as the interaction does, so this
	// command's own deadline has to outlive the requested timeout rather
	// than use the short default the other subcommands share.
	budget := time.Duration(waitTimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = 24 * time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget+5*time.Second)
	defer cancel()

	var result interactionResult
	if err := client.Call(ctx, "wait_interaction", params, &result); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", result.ID, result.Action)
	return nil
}

// interactionResult mirrors interaction.Result's JSON shape without
// importing the interaction package just for this command's own printing.
type interactionResult struct {
	ID      string
	Action  string
	Answers interface{}
	Result  interface{}
}
