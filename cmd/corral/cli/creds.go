package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/corral/internal/credential"
	"github.com/majorcontext/corral/internal/ui"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Show which credential sandboxes will receive",
	Long: `Resolve credentials exactly as a sandbox launch would, refreshing an
expiring OAuth token if needed, and print a redacted summary.`,
	Args: cobra.NoArgs,
	RunE: runCreds,
}

func init() {
	rootCmd.AddCommand(credsCmd)
}

type credsSummary struct {
	Mode      credential.Mode   `json:"mode"`
	Source    credential.Source `json:"source"`
	Token     string            `json:"token,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Extra     []string          `json:"extra,omitempty"`
}

func runCreds(cmd *cobra.Command, args []string) error {
	cred, err := credential.NewResolver(cfg).Resolve(cmd.Context())
	if err != nil {
		return err
	}

	sum := credsSummary{Mode: cred.Mode, Source: cred.Source}
	if cred.Mode != credential.ModeNone {
		sum.Token = cred.Redacted()
	}
	if !cred.ExpiresAt.IsZero() {
		sum.ExpiresAt = &cred.ExpiresAt
	}
	for k := range cred.Extra {
		sum.Extra = append(sum.Extra, k)
	}
	sort.Strings(sum.Extra)

	if jsonOut {
		return printJSON(sum)
	}
	fmt.Printf("%s %s\n", ui.Bold("mode:  "), sum.Mode)
	fmt.Printf("%s %s\n", ui.Bold("source:"), sum.Source)
	if sum.Token != "" {
		fmt.Printf("%s %s\n", ui.Bold("token: "), sum.Token)
	}
	if sum.ExpiresAt != nil {
		left := time.Until(*sum.ExpiresAt).Round(time.Minute)
		expiry := sum.ExpiresAt.Local().Format(time.RFC3339)
		if left <= 0 {
			expiry += " " + ui.Red("(expired)")
		} else {
			expiry += ui.Dim(fmt.Sprintf(" (in %s)", left))
		}
		fmt.Printf("%s %s\n", ui.Bold("expires:"), expiry)
	}
	if len(sum.Extra) > 0 {
		fmt.Printf("%s %v\n", ui.Bold("extra: "), sum.Extra)
	}
	if cred.Mode == credential.ModeNone {
		ui.Warnf("no credentials found; set %s or %s, or log in with Claude Code", credential.EnvAPIKey, credential.EnvOAuthToken)
	}
	return nil
}
