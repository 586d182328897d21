package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func newTimerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Run or control the periodic script timer",
		Long: `The timer runs one script periodically. Each tick re-reads the script's
binding and fetches its content afresh, so edits to the table or the
script take effect on the next tick.

"timer run" drives a timer in this process. "timer show" and "timer set"
talk to the timer of a running server.`,
	}

	cmd.AddCommand(newTimerRunCommand())
	cmd.AddCommand(newTimerShowCommand())
	cmd.AddCommand(newTimerSetCommand())

	return cmd
}

func newTimerRunCommand() *cobra.Command {
	var (
		reference string
		period    time.Duration
		payload   string
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the timer in the foreground",
		Example: `  # Tick the configured timer script until interrupted
  webscript timer run

  # Tick another script every 5 seconds
  webscript timer run --script script:report --period 5s

  # Tick once and print the result
  webscript timer run --script script:report --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parsePayload(payload)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if reference != "" {
				cfg.Timer.Script = reference
			}
			if period > 0 {
				cfg.Timer.Period = period
			}
			if cfg.Timer.Script == "" {
				return errors.New("no timer script: set timer.script or pass --script")
			}

			return withConfig(cmd, cfg, func(a *app) error {
				a.timer.SetPayload(in)
				if once {
					result, err := a.timer.Tick(cmd.Context())
					if err != nil {
						return err
					}
					return printResult(cmd.OutOrStdout(), result)
				}
				if err := a.timer.Run(cmd.Context()); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reference, "script", "", "script reference (overrides timer.script)")
	cmd.Flags().DurationVar(&period, "period", 0, "tick period (overrides timer.period)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload passed on every tick")
	cmd.Flags().BoolVar(&once, "once", false, "tick once and print the result")

	return cmd
}

func newTimerShowCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the timer status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := timerRequest(cmd.Context(), http.MethodGet, serverURL, nil)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")

	return cmd
}

func newTimerSetCommand() *cobra.Command {
	var (
		serverURL string
		reference string
		period    string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the script or period of a running server's timer",
		Example: `  # Switch the timer to another script
  webscript timer set --script script:report

  # Slow it down
  webscript timer set --period 1m

  # Pause it
  webscript timer set --script ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			update := map[string]string{}
			if cmd.Flags().Changed("script") {
				update["reference"] = reference
			}
			if cmd.Flags().Changed("period") {
				update["period"] = period
			}
			if len(update) == 0 {
				return errors.New("nothing to set: pass --script or --period")
			}

			status, err := timerRequest(cmd.Context(), http.MethodPut, serverURL, update)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&reference, "script", "", "script reference; empty pauses the timer")
	cmd.Flags().StringVar(&period, "period", "", "tick period, e.g. 5s")

	return cmd
}

// timerRequest sends body to the /timer route of a running server and
// returns the decoded status.
func timerRequest(ctx context.Context, method, serverURL string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(serverURL, "/")+"/timer", reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %v", resp.Status, out["error"])
	}
	return out, nil
}
