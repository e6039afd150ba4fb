// agentfluxctl is the operator CLI for an AgentFlux control plane: inspect
// the queue and leases, list host instances, manage tenants, and pull
// incident snapshots.
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

var (
	version = "0.1.0"

	flagAddr   string
	flagToken  string
	flagTenant string
)

func main() {
	root := &cobra.Command{
		Use:           "agentfluxctl",
		Short:         "Operator CLI for the AgentFlux runtime scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", envOr("AGENTFLUX_ADDR", "http://localhost:8080"), "control plane address")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("AGENTFLUX_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&flagTenant, "tenant", envOr("AGENTFLUX_TENANT", "default"), "tenant ID")

	root.AddCommand(
		newStatusCmd(),
		newQueueCmd(),
		newLeasesCmd(),
		newReleaseCmd(),
		newInstancesCmd(),
		newTenantsCmd(),
		newDispatchesCmd(),
		newIncidentsCmd(),
		newSubmitCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func call(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, flagAddr+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", flagTenant)
	if flagToken != "" {
		req.Header.Set("Authorization", "Bearer "+flagToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	return data, nil
}

func printJSON(data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func getAndPrint(path string) error {
	data, err := call(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the dashboard snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/dashboard")
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queue depth and runtime counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/queue")
		},
	}
}

func newLeasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "List live capacity leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/leases")
		},
	}
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <lease-id>",
		Short: "Force-release a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodPost, "/v1/leases/"+args[0]+"/release", map[string]any{})
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func newInstancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List live scheduler instances on the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/instances")
		},
	}
}

func newTenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage tenants",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/tenants")
		},
	})
	var weight int
	add := &cobra.Command{
		Use:   "add <tenant-id>",
		Short: "Register a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodPost, "/v1/tenants", map[string]any{
				"tenant_id": args[0],
				"status":    "active",
				"weight":    weight,
			})
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	add.Flags().IntVar(&weight, "weight", 1, "fair-share weight")
	cmd.AddCommand(add)
	return cmd
}

func newDispatchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatches",
		Short: "Show recent dispatch audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/dispatches")
		},
	}
}

func newIncidentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List captured incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/incidents")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "capture",
		Short: "Capture a fresh incident snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/v1/incidents/capture")
		},
	})
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var tool, priority, provider, model string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(http.MethodPost, "/v1/tasks", map[string]any{
				"tool_name": tool,
				"priority":  priority,
				"provider":  provider,
				"model":     model,
			})
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "subagent_run", "tool name")
	cmd.Flags().StringVar(&priority, "priority", "", "explicit priority (critical|high|normal|low|background)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider override")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	return cmd
}
