package commands

import (
	"github.com/spf13/cobra"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts [-- fact arguments]",
		Short: "Show the facts collected for this machine",
		Long: `Collect and print the facts catalogs and manifests see.

Facts are layered, later layers winning:
  - fact files given with --facts-file
  - detected facts: os.*, user.*, windows.sandbox, env.ci
  - arguments after --, under args`,
		Example: `  # Show all facts
  larder facts

  # Show facts as YAML with an override file and an argument
  larder facts -o yaml --facts-file site.yaml -- --role=web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := format()
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				f, err := a.facts.Build(args)
				if err != nil {
					return err
				}
				return printFacts(cmd.OutOrStdout(), out, f)
			})
		},
	}

	return cmd
}
