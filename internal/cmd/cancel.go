package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:     "cancel <interaction-id>",
	GroupID: GroupInteract,
	Short:   "Cancel a pending interaction",
	Args:    cobra.ExactArgs(1),
	RunE:    runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	if err := call(client, "cancel_interaction", struct{ ID string }{args[0]}, nil); err != nil {
		return err
	}
	fmt.Println("canceled")
	return nil
}
