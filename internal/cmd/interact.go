package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/dispatch"
)

var (
	interactSchema    string
	interactFile      string
	interactCommand   string
	interactTitle     string
	interactTimeoutMs int
	interactArgs      string
)

var interactCmd = &cobra.Command{
	Use:     "interact",
	GroupID: GroupInteract,
	Short:   "Open a floating pane for a user prompt and return its interaction id",
	RunE:    runInteract,
}

func init() {
	interactCmd.Flags().StringVar(&interactSchema, "schema", "", "schema name the generic UI runner should render")
	interactCmd.Flags().StringVar(&interactFile, "file", "", "file the generic UI runner should open")
	interactCmd.Flags().StringVar(&interactCommand, "command", "", "literal command to run in the floating pane instead of the generic runner")
	interactCmd.Flags().StringVar(&interactTitle, "title", "", "pane title")
	interactCmd.Flags().IntVar(&interactTimeoutMs, "timeout", 0, "milliseconds before the interaction auto-cancels")
	interactCmd.Flags().StringVar(&interactArgs, "args", "", "extra JSON object passed through to the UI runner")
	rootCmd.AddCommand(interactCmd)
}

func runInteract(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	params := dispatch.CreateInteractionParams{
		Schema:    interactSchema,
		File:      interactFile,
		Command:   interactCommand,
		Title:     interactTitle,
		TimeoutMs: interactTimeoutMs,
	}
	if interactArgs != "" {
		if err := json.Unmarshal([]byte(interactArgs), &params.Args); err != nil {
			return fmt.Errorf("parsing --args: %w", err)
		}
	}

	var result dispatch.CreateInteractionResult
	if err := call(client, "create_interaction", params, &result); err != nil {
		return err
	}
	fmt.Println(result.ID)
	return nil
}
