package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/dispatch"
)

var (
	logsStream string
	logsTail   int
)

var logsCmd = &cobra.Command{
	Use:     "logs <name>",
	GroupID: GroupInspect,
	Short:   "Print a process's captured output",
	Args:    cobra.ExactArgs(1),
	RunE:    runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsStream, "stream", "", "stream to read: stdout, stderr, or combined")
	logsCmd.Flags().IntVar(&logsTail, "tail", 0, "only print the last N lines (0 means the last 100 lines)")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	var lines []string
	params := dispatch.GetLogsParams{Name: args[0], Stream: logsStream, Tail: logsTail}
	if err := call(client, "get_logs", params, &lines); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
