package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/larder/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var declarationsOnly bool

	cmd := &cobra.Command{
		Use:   "validate [-- fact arguments]",
		Short: "Validate declarations",
		Long: `Check the CUE declarations against the larder schema and, unless
--declarations-only is set, build the execution plan for this machine so
that provider property errors, dangling references and cycles are caught
before a run.`,
		Example: `  # Validate the declarations in the current directory
  larder validate

  # Only check the CUE files
  larder validate -c ./machines --declarations-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				decls, err := a.load(cmd.Context())
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%d catalog(s), %d manifest(s) declared\n", len(decls.Catalogs), len(decls.Manifests))
				for _, e := range decls.Document.Errors {
					if e.Severity == config.SeverityWarning {
						fmt.Fprintf(w, "warning: %s: %s\n", e.Path, e.Message)
					}
				}
				if declarationsOnly {
					return nil
				}

				prep, err := a.newEngine(decls, withPolicy).Prepare(cmd.Context(), args)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d resource(s) planned for this machine\n", prep.Plan.Len())
				if prep.Policy != nil {
					printViolations(w, prep.Policy.Violations)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&declarationsOnly, "declarations-only", false, "only check the CUE declarations")

	return cmd
}
