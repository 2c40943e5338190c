// Package main implements agentctl, a CLI for the code agent's admin API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the github-webhook server
	serverURL string
	// adminToken authenticates /api/v1 requests
	adminToken string
	// timeout bounds each request
	timeout time.Duration
	// outputJSON prints raw JSON instead of tables
	outputJSON bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "CLI for code agent server operations",
	Long: `agentctl talks to the code agent's admin API.

It lists and inspects iteration records, starts or restarts cycles for an
issue, replays CI completions and cancels cycles. Admin commands need the
server's admin token, passed with --token or AGENTCTL_TOKEN.`,
	Version:       version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENTCTL_SERVER", "http://localhost:3000"), "code agent server URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("AGENTCTL_TOKEN"), "admin API token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check code agent server health",
	Long: `Check the health status of the code agent server and its dependencies.

Examples:
  # Check health
  agentctl health

  # Check health on a different server
  agentctl health --server http://agent.internal:3000`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

// HealthResponse matches internal/webhook HealthResponse
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// apiError is a non-2xx reply.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// call sends a request to the server and decodes a JSON reply into out.
// A nil body sends no payload; a nil out discards the reply.
func call(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminToken != "" && strings.HasPrefix(path, "/api/") {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runHealth handles the health command. A degraded server still answers
// with its checks, so 503 is not treated as a transport failure.
func runHealth(cmd *cobra.Command, _ []string) error {
	var health HealthResponse
	err := call(cmd.Context(), http.MethodGet, "/health", nil, &health)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		if jsonErr := json.Unmarshal([]byte(apiErr.Message), &health); jsonErr != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if outputJSON {
		if err := printJSON(cmd, health); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server Status: %s\n", health.Status)
		names := make([]string, 0, len(health.Checks))
		for name := range health.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s: %s\n", name, health.Checks[name])
		}
	}
	if health.Status != "ok" {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
