package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OneBeatTrue/code-agent/internal/secrets"
)

var scrubAllowlist string

func init() {
	rootCmd.AddCommand(scrubCmd)
	scrubCmd.Flags().StringVar(&scrubAllowlist, "allowlist", "", "TOML allowlist of regexes and stopwords to keep")
}

// scrubCmd runs the same secret scrubbing the agent applies to outbound text
var scrubCmd = &cobra.Command{
	Use:   "scrub [file]",
	Short: "Scrub secrets from a file or stdin",
	Long: `Scrub secrets from a file or stdin with the rules the agent applies to
pull request content and comments. Runs locally; no server is needed.

Examples:
  # Scrub a file
  agentctl scrub .env

  # Scrub from stdin
  cat output.log | agentctl scrub -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScrub,
}

func runScrub(cmd *cobra.Command, args []string) error {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to scrub")
	}

	scrubber, err := secrets.New(secrets.Config{Enabled: true, AllowlistPath: scrubAllowlist})
	if err != nil {
		return err
	}
	result := scrubber.Scrub(string(content))

	fmt.Fprint(cmd.OutOrStdout(), result.Scrubbed)
	if result.HasFindings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[agentctl] Scrubbed %d secret(s): %s\n",
			len(result.Findings), strings.Join(result.RuleIDs(), ", "))
	}
	return nil
}
