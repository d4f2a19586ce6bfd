package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/larder/pkg/config"
)

func newWatchCommand() *cobra.Command {
	var (
		dryRun   bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [-- fact arguments]",
		Short: "Run again whenever the declarations change",
		Long: `Run once, then watch the CUE declarations and policy files and run again
after every change. Invalid declarations are reported and skipped; the
last valid declarations stay in effect. Metrics can be served over HTTP
while watching.`,
		Example: `  # Keep this machine in line with ./machines
  larder watch -c ./machines

  # Dry runs only, with metrics on :9464
  larder watch --dry-run --metrics-listen :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := format()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			return withApp(ctx, func(a *app) error {
				decls, err := a.load(ctx)
				if err != nil {
					return err
				}

				if err := a.telemetry.Metrics.StartMetricsServer(ctx); err != nil {
					return err
				}
				if a.policy != nil && len(policyPaths) > 0 {
					if err := a.policy.Watch(ctx, policyPaths); err != nil {
						return err
					}
					defer func() {
						if err := a.policy.StopWatching(); err != nil {
							a.logger.Warn().Err(err).Msg("Failed to stop policy watcher")
						}
					}()
				}

				run := func(decls *config.Declarations) {
					report, err := a.newEngine(decls, withPolicy).Run(ctx, args, statusLogger(a.logger), dryRun)
					if err != nil {
						a.logger.Error().Err(err).Msg("Run failed")
						return
					}
					if err := printReport(cmd.OutOrStdout(), out, report); err != nil {
						a.logger.Error().Err(err).Msg("Failed to print report")
					}
				}
				run(decls)

				changes := make(chan config.ChangeEvent, 1)
				watcher := config.NewWatcher(a.parser, configPaths, func(e config.ChangeEvent) {
					select {
					case changes <- e:
					case <-ctx.Done():
					}
				}, config.WithWatchDebounce(debounce), config.WithWatchLogger(a.logger))
				if err := watcher.Start(); err != nil {
					return err
				}
				defer watcher.Stop()

				a.logger.Info().Strs("paths", configPaths).Msg("Watching declarations")
				for {
					select {
					case <-ctx.Done():
						if ctx.Err() == context.Canceled {
							return nil
						}
						return ctx.Err()
					case e := <-changes:
						if e.Err != nil {
							a.logger.Error().Err(e.Err).Msg("Declarations changed but are invalid")
							continue
						}
						a.logger.Info().Str("hash", e.NewHash).Msg("Declarations changed")
						run(e.Declarations)
					}
				}
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without touching the machine")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a change triggers a run")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	return cmd
}
