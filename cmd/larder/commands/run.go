package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/larder/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var dryRun, whatIf bool

	cmd := &cobra.Command{
		Use:   "run [-- fact arguments]",
		Short: "Bring this machine to its declared state",
		Long: `Evaluate the catalogs against this machine's facts, build the execution
plan of the manifests they select and apply it.

Arguments after -- become facts under args, so --role=web is available to
catalogs and manifests as args.role.

The run stops at the first failing resource unless the resource declares
on_error: "ignore". A plan that needs administrator rights is refused
before anything runs when the process is not elevated.

A dry run reports every planned resource as unknown. --what-if goes further
and asks each provider whether it would change its resource, without
changing anything.`,
		Example: `  # Apply the declarations in the current directory
  larder run

  # Show what would run without touching the machine
  larder run --dry-run

  # Show which resources a run would change
  larder run --what-if

  # Use declarations from a directory and pass a fact
  larder run -c ./machines -- --role=workstation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := format()
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				decls, err := a.load(cmd.Context())
				if err != nil {
					return err
				}

				var extra []engine.Option
				if whatIf {
					extra = append(extra, engine.WithWhatIf())
				}
				report, err := a.newEngine(decls, withPolicy, extra...).
					Run(cmd.Context(), args, statusLogger(a.logger), dryRun || whatIf)
				if err != nil {
					return err
				}

				if err := printReport(cmd.OutOrStdout(), out, report); err != nil {
					return err
				}
				if !report.Successful() {
					return errRunFailed
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without touching the machine")
	cmd.Flags().BoolVar(&whatIf, "what-if", false, "ask providers what they would change without touching the machine")

	return cmd
}

// statusLogger reports run progress through the logger.
func statusLogger(logger zerolog.Logger) engine.StatusUpdater {
	return engine.StatusFunc(func(status string) {
		logger.Info().Msg(status)
	})
}
