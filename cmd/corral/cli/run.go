package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/daemon"
	"github.com/majorcontext/corral/internal/pool"
	"github.com/majorcontext/corral/internal/ui"
)

var (
	runSession string
	runChatJID string
	runTimeout time.Duration
	runOneShot bool
	runKeep    bool
)

var runCmd = &cobra.Command{
	Use:   "run <group> [prompt]",
	Short: "Send one prompt to a group's sandbox",
	Long: `Send one prompt to a group's sandbox and print the result. The prompt
is read from stdin when not given as an argument.

run owns the pool for its duration, so it refuses to start while the
daemon is serving the same data directory. The sandbox is stopped on
exit unless --keep is set.`,
	Example: `  corral run family-chat "what's for dinner?"
  echo "summarize today" | corral run main --timeout 5m`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "resume an agent session")
	runCmd.Flags().StringVar(&runChatJID, "chat", "", "chat identity passed to the sandbox")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "request timeout (default from config)")
	runCmd.Flags().BoolVar(&runOneShot, "oneshot", false, "use a throwaway sandbox")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "leave the sandbox running afterwards")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	group := args[0]
	prompt, err := readPrompt(args[1:])
	if err != nil {
		return err
	}

	unlock, err := daemon.AcquireServeLock(cfg.DataDir)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return fmt.Errorf("the daemon is serving %s; stop it or send the prompt through chat", cfg.DataDir)
	}
	if err != nil {
		return err
	}
	defer unlock()

	if runOneShot {
		cfg.Container.OneShot = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, engine, err := localPool(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()
	if !runKeep {
		defer p.Shutdown(context.Background())
	}

	out := p.Run(ctx, pool.Input{
		Prompt:          prompt,
		SessionID:       runSession,
		GroupFolder:     group,
		ChatJID:         runChatJID,
		IsMain:          group == cfg.PrivilegedFolder,
		TimeoutOverride: runTimeout,
	})

	if jsonOut {
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		if out.Result != nil {
			fmt.Println(*out.Result)
		}
		if out.NewSessionID != "" {
			ui.Infof("%s session %s", ui.Dim("↳"), out.NewSessionID)
		}
	}

	switch out.Status {
	case pool.StatusSuccess:
		return nil
	case pool.StatusInterrupted:
		return fmt.Errorf("request %s", ui.Outcome(string(out.Status)))
	default:
		return fmt.Errorf("request failed: %s", out.Error)
	}
}

func readPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if ui.StdinIsTerminal() {
		return "", fmt.Errorf("no prompt given; pass it as an argument or on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}
