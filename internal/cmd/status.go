package cmd

import (
	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/managed"
)

var statusCmd = &cobra.Command{
	Use:     "status [name]",
	GroupID: GroupInspect,
	Short:   "Show process status",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := manifestPath()
	client, err := connectOrSpawn(path)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(args) == 1 {
		var state managed.State
		if err := call(client, "get_status", struct{ Name string }{args[0]}, &state); err != nil {
			return err
		}
		printProcessTable([]managed.State{state})
		return nil
	}

	var states []managed.State
	if err := call(client, "list_processes", nil, &states); err != nil {
		return err
	}
	printProcessTable(states)
	return nil
}
