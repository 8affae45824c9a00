// Command taskfabric-cli is the operator CLI: a thin HTTP client against
// a running taskfabricd, for submit/status/sweep without hand-rolled
// curl. Grounded on mpataki-shop/cmd/shop's cobra command set
// (run/resume/status/list), generalized from its in-process orchestrator
// calls to HTTP calls against the daemon this fabric actually runs as.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var addr string
	var secret string

	rootCmd := &cobra.Command{
		Use:   "taskfabric-cli",
		Short: "Operator CLI for a running taskfabricd",
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("TASKFABRIC_ADDR", "http://localhost:8080"), "taskfabricd base URL")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", os.Getenv("TASKFABRIC_SHARED_SECRET"), "shared secret for internal routes")

	rootCmd.AddCommand(newSubmitCommand(&addr))
	rootCmd.AddCommand(newStatusCommand(&addr))
	rootCmd.AddCommand(newSweepCommand(&addr, &secret))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type submitRequest struct {
	TaskName string          `json:"task_name"`
	Input    json.RawMessage `json:"input"`
}

type submitResponse struct {
	TaskRunID int64 `json:"task_run_id"`
}

func newSubmitCommand(addr *string) *cobra.Command {
	var inputJSON string
	cmd := &cobra.Command{
		Use:   "submit <task-name>",
		Short: "Submit a new task run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := json.RawMessage(inputJSON)
			if inputJSON == "" {
				input = json.RawMessage(`{}`)
			}
			body, err := json.Marshal(submitRequest{TaskName: args[0], Input: input})
			if err != nil {
				return err
			}

			resp, err := httpPost(*addr+"/v1/tasks", "", body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return httpError(resp)
			}

			var out submitResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("Submitted task run #%d\n", out.TaskRunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON input for the task (default {})")
	return cmd
}

type statusResponse struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	WaitingOn *int64          `json:"waiting_on,omitempty"`
}

func newStatusCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-run-id>",
		Short: "Show a task run's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpGet(*addr + "/v1/tasks/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return httpError(resp)
			}

			var out statusResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", out.Status)
			if out.WaitingOn != nil {
				fmt.Printf("Waiting on stack run: %d\n", *out.WaitingOn)
			}
			if len(out.Result) > 0 {
				fmt.Printf("Result: %s\n", out.Result)
			}
			if len(out.Error) > 0 {
				fmt.Printf("Error: %s\n", out.Error)
			}
			return nil
		},
	}
}

func newSweepCommand(addr, secret *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Trigger a lock/recovery sweep and a scheduling tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpPost(*addr+"/v1/internal/process-next", *secret, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return httpError(resp)
			}
			fmt.Println("Sweep triggered.")
			return nil
		},
	}
}

var client = &http.Client{Timeout: 30 * time.Second}

func httpGet(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func httpPost(url, secret string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Internal-Secret", secret)
	}
	return client.Do(req)
}

func httpError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("request failed: %s: %s", resp.Status, string(b))
}
