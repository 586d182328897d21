package commands

import "github.com/spf13/cobra"

func newInvokeCommand() *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "invoke <reference>",
		Short: "Run a script once",
		Long: `Resolve a script reference, fetch the script and run it with a JSON
payload. The reference is either "script:<id>", which is looked up in the
binding table, or a location such as a path or an https URL.`,
		Example: `  # Run a bound script
  webscript invoke script:hello --payload '{"name":"world"}'

  # Run a script by location
  webscript invoke ./scripts/hello.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				result, err := a.invoker.Execute(cmd.Context(), args[0], in)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")

	return cmd
}
