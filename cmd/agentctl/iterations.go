package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/OneBeatTrue/code-agent/internal/iteration"
)

var (
	// list command flags
	listRepo  string
	listAll   bool
	listLimit int

	// cancel command flags
	cancelReason string
)

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(cancelCmd)

	listCmd.Flags().StringVar(&listRepo, "repo", "", "Filter by repository (owner/name)")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Include finished cycles")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of records to return")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason posted on the issue")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List iteration records",
	Long: `List iteration records, newest first. Only in-flight cycles are shown
unless --all is given.

Examples:
  agentctl list
  agentctl list --repo acme/widgets --all --limit 10`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:   "get <owner/repo> <issue>",
	Short: "Show the active cycle for an issue",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an in-flight cycle",
	Long: `Cancel an in-flight cycle by record id. The cycle is marked cancelled
and a comment is posted on the issue.

Examples:
  agentctl cancel 12 --reason "wrong issue"`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

// listResponse matches internal/webhook ListResponse
type listResponse struct {
	Iterations []iteration.Record `json:"iterations"`
	Count      int                `json:"count"`
}

func runList(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if listRepo != "" {
		q.Set("repo", listRepo)
	}
	if listAll {
		q.Set("all", "true")
	}
	q.Set("limit", strconv.Itoa(listLimit))

	var resp listResponse
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/iterations?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}
	if resp.Count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No iterations found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPOSITORY\tISSUE\tPR\tSTATUS\tITERATION\tUPDATED")
	for _, r := range resp.Iterations {
		pr := "-"
		if r.PRNumber > 0 {
			pr = "#" + strconv.Itoa(r.PRNumber)
		}
		fmt.Fprintf(w, "%d\t%s\t#%d\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.RepositoryFullName, r.IssueNumber, pr, r.Status,
			r.CurrentIteration, r.MaxIterations, r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runGet(cmd *cobra.Command, args []string) error {
	owner, name, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("repository must be owner/name, got %q", args[0])
	}
	issue, err := strconv.Atoi(args[1])
	if err != nil || issue <= 0 {
		return fmt.Errorf("issue must be a positive number, got %q", args[1])
	}

	var rec iteration.Record
	path := fmt.Sprintf("/api/v1/iterations/%s/%s/%d", url.PathEscape(owner), url.PathEscape(name), issue)
	if err := call(cmd.Context(), http.MethodGet, path, nil, &rec); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, rec)
	}
	printRecord(cmd, &rec)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("id must be a positive number, got %q", args[0])
	}

	var rec iteration.Record
	body := map[string]string{"reason": cancelReason}
	if err := call(cmd.Context(), http.MethodPost, fmt.Sprintf("/api/v1/iterations/%d/cancel", id), body, &rec); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled iteration %d (%s#%d)\n", rec.ID, rec.RepositoryFullName, rec.IssueNumber)
	return nil
}

func printRecord(cmd *cobra.Command, r *iteration.Record) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%d\n", r.ID)
	fmt.Fprintf(w, "Repository:\t%s\n", r.RepositoryFullName)
	fmt.Fprintf(w, "Issue:\t#%d %s\n", r.IssueNumber, r.IssueTitle)
	fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	fmt.Fprintf(w, "Iteration:\t%d/%d\n", r.CurrentIteration, r.MaxIterations)
	if r.PRNumber > 0 {
		fmt.Fprintf(w, "Pull request:\t#%d (%s)\n", r.PRNumber, r.BranchName)
	}
	if r.LastCIConclusion != "" {
		fmt.Fprintf(w, "Last CI:\t%s\n", r.LastCIConclusion)
	}
	if r.LastReviewRecommendation != "" {
		fmt.Fprintf(w, "Last review:\t%s (score %.1f)\n", r.LastReviewRecommendation, r.LastReviewScore)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", r.UpdatedAt.Format(time.RFC3339))
	_ = w.Flush()
}
