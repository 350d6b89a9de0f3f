package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/dispatch"
	"github.com/stagehand-dev/stagehand/internal/managed"
)

var startForce bool

var startCmd = &cobra.Command{
	Use:     "start <name>",
	GroupID: GroupLifecycle,
	Short:   "Start one process",
	Args:    cobra.ExactArgs(1),
	RunE:    runStart,
}

var stopCmd = &cobra.Command{
	Use:     "stop <name>",
	GroupID: GroupLifecycle,
	Short:   "Stop one process",
	Args:    cobra.ExactArgs(1),
	RunE:    runStop,
}

var restartCmd = &cobra.Command{
	Use:     "restart <name>",
	GroupID: GroupLifecycle,
	Short:   "Restart one process",
	Args:    cobra.ExactArgs(1),
	RunE:    runRestart,
}

var urlCmd = &cobra.Command{
	Use:     "url <name>",
	GroupID: GroupInspect,
	Short:   "Print a process's URL",
	Args:    cobra.ExactArgs(1),
	RunE:    runURL,
}

func init() {
	startCmd.Flags().BoolVar(&startForce, "force", false, "kill any other process bound to the configured port before starting")
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, urlCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	var state managed.State
	params := dispatch.StartProcessParams{Name: args[0], Force: startForce}
	if err := call(client, "start_process", params, &state); err != nil {
		return err
	}
	printProcessTable([]managed.State{state})
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	var state managed.State
	if err := call(client, "stop_process", struct{ Name string }{args[0]}, &state); err != nil {
		return err
	}
	printProcessTable([]managed.State{state})
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	var state managed.State
	if err := call(client, "restart_process", struct{ Name string }{args[0]}, &state); err != nil {
		return err
	}
	printProcessTable([]managed.State{state})
	return nil
}

func runURL(cmd *cobra.Command, args []string) error {
	client, err := connectOrSpawn(manifestPath())
	if err != nil {
		return err
	}
	defer client.Close()

	var url string
	if err := call(client, "get_url", struct{ Name string }{args[0]}, &url); err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("%s has no known URL", args[0])
	}
	fmt.Println(url)
	return nil
}
