package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/ipc"
)

var downCmd = &cobra.Command{
	Use:     "down",
	GroupID: GroupLifecycle,
	Short:   "Stop every process and shut down the daemon",
	RunE:    runDown,
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	path := manifestPath()
	id, _, err := resolveIdentity(path)
	if err != nil {
		return err
	}

	client, err := ipc.Probe(id.SocketPath())
	if err != nil {
		fmt.Println("no daemon running for this workspace")
		return nil
	}
	defer client.Close()

	if err := call(client, "shutdown", nil, nil); err != nil {
		return err
	}
	fmt.Println("daemon shut down")
	return nil
}
