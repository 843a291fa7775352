package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/daemon"
	"github.com/majorcontext/corral/internal/ui"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove sandboxes left behind by a previous daemon",
	Long: `Remove containers that carry corral's persistent label and mount this
deployment's IPC directory but are not tracked by a running daemon.
Containers that cannot be attributed to this deployment are never
touched.`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	var n int
	running, err := withDaemon(func(lock *daemon.LockInfo) error {
		resp, err := control(cmd.Context(), lock, daemon.ControlRequest{Action: daemon.ActionReap})
		n = resp.Reclaimed
		return err
	})
	if err != nil {
		return err
	}

	if !running {
		unlock, err := daemon.AcquireServeLock(cfg.DataDir)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("a daemon is starting; try again")
		}
		if err != nil {
			return err
		}
		defer unlock()

		p, engine, err := localPool(cmd.Context())
		if err != nil {
			return err
		}
		defer engine.Close()
		if n, err = p.ReclaimOrphans(cmd.Context()); err != nil {
			return err
		}
	}

	if jsonOut {
		return printJSON(map[string]int{"reclaimed": n})
	}
	fmt.Printf("%s reclaimed %d orphaned sandbox(es)\n", ui.Green("✓"), n)
	return nil
}
