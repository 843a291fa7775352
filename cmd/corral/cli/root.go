// Package cli implements the corral command-line interface using Cobra.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/config"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/ui"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Keep one warm agent sandbox per chat group",
	Long: `corral runs a pool of long-lived container sandboxes, one per
conversational group, and talks to them through files on disk. The
daemon (corral serve) launches sandboxes on demand, reclaims idle ones,
and routes the messages and tasks sandboxes write into their mailboxes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadGlobal()
		}
		if err != nil {
			return err
		}

		component := "cli"
		if cmd.Name() == "serve" {
			component = "daemon"
		}
		if err := log.Init(log.Options{
			Verbose:       verbose,
			Component:     component,
			JSONFormat:    jsonOut,
			DebugDir:      cfg.DebugDir(),
			RetentionDays: cfg.Debug.RetentionDays,
		}); err != nil {
			// Non-fatal; stderr logging still works.
			ui.Warnf("failed to initialize debug logging: %v", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		ui.Errorf("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CORRAL_DATA_DIR/config.yaml)")
}
