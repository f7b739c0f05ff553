package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
)

const statusTimeout = 3 * time.Second

// NewStatusCommand creates the status subcommand. It queries the admin
// API of a running gateway.
func NewStatusCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-account adapter status",
		Example: `  openclaw-china status
  openclaw-china status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), adminBaseURL(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "raw JSON output")
	return cmd
}

// adminBaseURL derives the admin endpoint from config, with the
// standard defaults when no config is loadable.
func adminBaseURL() string {
	bind, port := "127.0.0.1", 18789
	if cfg, err := config.Load(); err == nil {
		if cfg.Gateway.Bind != "" {
			bind = cfg.Gateway.Bind
		}
		if cfg.Gateway.Port != 0 {
			port = cfg.Gateway.Port
		}
	}
	return fmt.Sprintf("http://%s:%d", bind, port)
}

func runStatus(out io.Writer, baseURL string, jsonOutput bool) error {
	var body struct {
		Adapters []channels.AdapterStatus `json:"adapters"`
	}
	resp, err := resty.New().SetTimeout(statusTimeout).R().
		SetResult(&body).
		Get(baseURL + "/v1/status")
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", baseURL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway answered %s", resp.Status())
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	}

	if len(body.Adapters) == 0 {
		fmt.Fprintln(out, "no channel accounts configured")
		return nil
	}
	fmt.Fprintf(out, "%-24s %-10s %-10s %-8s %s\n", "ACCOUNT", "STATE", "MODE", "MSGS", "LAST ERROR")
	for _, a := range body.Adapters {
		state := "stopped"
		if a.Running {
			state = "running"
		}
		fmt.Fprintf(out, "%-24s %-10s %-10s %-8d %s\n", a.ID, state, a.Mode, a.Messages, a.LastError)
	}
	return nil
}
