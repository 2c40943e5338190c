package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

var (
	// start and restart command flags
	installationID int64

	// ci command flags
	ciStatus     string
	ciConclusion string
)

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(ciCmd)

	for _, c := range []*cobra.Command{startCmd, restartCmd} {
		c.Flags().Int64Var(&installationID, "installation-id", 0, "GitHub App installation id")
	}

	ciCmd.Flags().StringVar(&ciStatus, "status", "completed", "CI status")
	ciCmd.Flags().StringVar(&ciConclusion, "conclusion", "", "CI conclusion: success, failure, cancelled, ... (required)")
	_ = ciCmd.MarkFlagRequired("conclusion")
}

var startCmd = &cobra.Command{
	Use:   "start <owner/repo> <issue>",
	Short: "Start a cycle for an issue",
	Long: `Start a cycle for an issue as if it had been labelled. If a cycle is
already in flight for the issue it is left alone.

Examples:
  agentctl start acme/widgets 42`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args, false)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <owner/repo> <issue>",
	Short: "Restart the cycle for an issue with a fresh iteration budget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args, true)
	},
}

var ciCmd = &cobra.Command{
	Use:   "ci <owner/repo> <pr>",
	Short: "Deliver a CI completion for a pull request",
	Long: `Deliver a CI completion for a pull request, for example to replay a
webhook that never arrived.

Examples:
  agentctl ci acme/widgets 7 --conclusion success`,
	Args: cobra.ExactArgs(2),
	RunE: runCI,
}

// taskResponse matches internal/webhook TaskResponse
type taskResponse struct {
	TaskID string `json:"task_id"`
}

func runStart(cmd *cobra.Command, args []string, restart bool) error {
	issue, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("issue must be a number, got %q", args[1])
	}
	req := orchestrator.StartRequest{
		Repository:     args[0],
		IssueNumber:    issue,
		InstallationID: installationID,
		Restart:        restart,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	var resp taskResponse
	if err := call(cmd.Context(), http.MethodPost, "/api/v1/cycles", req, &resp); err != nil {
		return err
	}
	return printTask(cmd, resp)
}

func runCI(cmd *cobra.Command, args []string) error {
	pr, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("pull request must be a number, got %q", args[1])
	}
	ev := orchestrator.CIEvent{
		Repository: args[0],
		PRNumber:   pr,
		Status:     ciStatus,
		Conclusion: ciConclusion,
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	var resp taskResponse
	if err := call(cmd.Context(), http.MethodPost, "/api/v1/ci-events", ev, &resp); err != nil {
		return err
	}
	return printTask(cmd, resp)
}

func printTask(cmd *cobra.Command, resp taskResponse) error {
	if outputJSON {
		return printJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dispatched task %s\n", resp.TaskID)
	return nil
}
