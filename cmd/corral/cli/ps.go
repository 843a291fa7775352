package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/daemon"
	"github.com/majorcontext/corral/internal/ui"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List warm sandboxes",
	Long: `List the sandboxes the daemon is tracking. Without a running daemon,
list containers the engine reports as belonging to this deployment.`,
	Args: cobra.NoArgs,
	RunE: runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	now := time.Now()
	running, err := withDaemon(func(lock *daemon.LockInfo) error {
		resp, err := control(cmd.Context(), lock, daemon.ControlRequest{Action: daemon.ActionList})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(resp.Entries)
		}
		rows := make([][]string, 0, len(resp.Entries))
		for _, e := range resp.Entries {
			rows = append(rows, []string{e.GroupFolder, shortID(e.ContainerID), e.Name, ui.Ago(e.StartedAt, now), ui.Ago(e.LastUsedAt, now)})
		}
		return ui.Table(os.Stdout, []string{"GROUP", "CONTAINER", "NAME", "STARTED", "LAST USED"}, rows)
	})
	if err != nil || running {
		return err
	}

	ui.Infof("%s", ui.Dim("daemon not running; showing engine containers"))
	engine, err := container.NewEngine(cmd.Context(), cfg.Container.Engine)
	if err != nil {
		return err
	}
	defer engine.Close()

	infos, err := engine.List(cmd.Context(), cfg.Container.Image)
	if err != nil {
		return err
	}
	var owned []container.Info
	for _, info := range infos {
		if container.OwnedBy(info, cfg.IPCDir()) {
			owned = append(owned, info)
		}
	}
	if jsonOut {
		return printJSON(owned)
	}
	rows := make([][]string, 0, len(owned))
	for _, info := range owned {
		state := ui.Dim("exited")
		if info.Running {
			state = ui.Green("running")
		}
		rows = append(rows, []string{info.Labels[container.LabelGroup], shortID(info.ID), info.Name, state})
	}
	return ui.Table(os.Stdout, []string{"GROUP", "CONTAINER", "NAME", "STATE"}, rows)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
