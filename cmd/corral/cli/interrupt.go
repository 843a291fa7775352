package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/daemon"
	"github.com/majorcontext/corral/internal/ui"
)

var killReason string

var interruptCmd = &cobra.Command{
	Use:   "interrupt <group>",
	Short: "Stop a group's in-flight request",
	Long: `Ask a group's sandbox to abandon its current work. The sandbox is
killed if it does not acknowledge within the configured grace period.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendGroupAction(cmd, daemon.ControlRequest{Action: daemon.ActionInterrupt, Group: args[0]})
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <group>",
	Short: "Force-stop a group's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendGroupAction(cmd, daemon.ControlRequest{Action: daemon.ActionKill, Group: args[0], Reason: killReason})
	},
}

func init() {
	killCmd.Flags().StringVar(&killReason, "reason", "", "reason recorded in the daemon log")
	rootCmd.AddCommand(interruptCmd, killCmd)
}

func sendGroupAction(cmd *cobra.Command, req daemon.ControlRequest) error {
	running, err := withDaemon(func(lock *daemon.LockInfo) error {
		resp, err := control(cmd.Context(), lock, req)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(resp)
		}
		fmt.Printf("%s %s\n", ui.Green("✓"), resp.Message)
		return nil
	})
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("no corral daemon is running for %s", cfg.DataDir)
	}
	return nil
}
