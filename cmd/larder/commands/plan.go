package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/larder/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [-- fact arguments]",
		Short: "Show the execution plan for this machine",
		Long: `Evaluate catalogs and manifests and print the ordered execution plan
without running any provider. Plan policies are evaluated and every
violation is listed; the command fails when a violation blocks the plan.

With --output dot the resource graph is printed in Graphviz DOT format.`,
		Example: `  # Show the plan
  larder plan

  # Show the plan as JSON, with extra policies
  larder plan --json --policy ./policies

  # Render the resource graph
  larder plan -o dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := format("dot")
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				decls, err := a.load(cmd.Context())
				if err != nil {
					return err
				}

				// The policy runs here rather than inside Prepare so that a
				// denied plan is still printed with its violations.
				prep, err := a.newEngine(decls, withoutPolicy).Prepare(cmd.Context(), args)
				if err != nil {
					return err
				}

				if a.policy != nil {
					if prep.Policy, err = a.policy.EvaluatePlan(cmd.Context(), prep.Plan); err != nil {
						return fmt.Errorf("failed to evaluate plan policy: %w", err)
					}
				}

				if err := printPlan(cmd.OutOrStdout(), out, prep); err != nil {
					return err
				}
				if prep.Policy != nil && !prep.Policy.Allowed {
					return engine.NewPermanentError("plan denied by policy", nil).WithCode(engine.ErrCodePolicyDenied)
				}
				return nil
			})
		},
	}

	return cmd
}
