package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox pool and mailbox router",
	Long: `Run the corral daemon in the foreground. It reclaims sandboxes left
behind by a previous run, then keeps per-group sandboxes warm, drains
their mailboxes, and refreshes credentials until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := container.NewEngine(ctx, cfg.Container.Engine)
	if err != nil {
		return err
	}
	defer engine.Close()

	svc, err := daemon.New(cfg, engine, daemon.Options{})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
