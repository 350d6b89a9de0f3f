package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/managed"
)

var upCmd = &cobra.Command{
	Use:     "up",
	GroupID: GroupLifecycle,
	Short:   "Start every autostart process in the manifest",
	RunE:    runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	path := manifestPath()
	client, err := connectOrSpawn(path)
	if err != nil {
		return err
	}
	defer client.Close()

	var states []managed.State
	if err := call(client, "list_processes", nil, &states); err != nil {
		return err
	}
	printProcessTable(states)
	return nil
}

func printProcessTable(states []managed.State) {
	p := printer()
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		rows = append(rows, []string{s.Name, p.StatusLabel(string(s.Status))})
	}
	fmt.Print(p.Table([]string{"NAME", "STATUS"}, rows))
}
