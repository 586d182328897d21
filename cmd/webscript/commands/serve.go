package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/webscript/pkg/server"
)

func newServeCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front end and the timer",
		Long: `Serve scripts over HTTP.

POST /webscript runs the script named by the ScriptURL header with the
request body as its JSON payload. The binding table, the script and
function caches and the timer are managed under /bindings, /cache and
/timer; /timer/script reads and replaces the timer's script.

The timer runs the script named by timer.script once per timer.period,
re-reading its binding and content on every tick.`,
		Example: `  # Serve with webscript.cue from the current directory
  webscript serve

  # Serve on another address
  webscript serve --address 127.0.0.1:9090

  # Invoke a script
  curl -X POST -H 'ScriptURL: script:hello' -d '{"name":"x"}' localhost:8080/webscript`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					a.logger.Warn().Err(err).Msg("shutdown incomplete")
				}
			}()

			if cfg.Scripts.Watch {
				if err := a.pipeline.Watch(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("script watching disabled")
				}
			}
			if cfg.Compiler.Watch && cfg.Compiler.Dir != "" {
				if err := a.watchFunctions(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("function watching disabled")
				}
			}
			if a.policy != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				if err := a.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
					a.logger.Warn().Err(err).Msg("policy watching disabled")
				}
			}

			srv := server.New(a.invoker, a.pipeline, a.timer, server.Config{
				Address:         cfg.Server.Address,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				Functions:       a.functions,
				HealthChecks:    a.checks,
				Logger:          a.logger,
				Metrics:         a.telemetry.Metrics,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(ctx)
			})
			g.Go(func() error {
				if err := a.timer.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})

			a.logger.Info().
				Str("address", cfg.Server.Address).
				Str("timer", cfg.Timer.Script).
				Msg("webscript serving")
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")

	return cmd
}
