package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/webscript/pkg/engine"
)

func newCallCommand() *cobra.Command {
	var (
		payload string
		input   string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "call <identifier>",
		Short: "Resolve and call a typed function",
		Long: `Resolve a typed function by signature and call it.

The function is looked up in the registry first and otherwise compiled
from the compiler directory (<identifier>.star or <identifier>.wasm). The
call fails with a type mismatch when the function does not accept --in or
does not produce --out.`,
		Example: `  # Call a function that maps an int to an int
  webscript call double --in int --out int --payload 21

  # Accept any result
  webscript call greet --in string --payload '"world"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := engine.ParseType(input)
			if err != nil {
				return err
			}
			out, err := engine.ParseType(output)
			if err != nil {
				return err
			}
			value, err := parsePayload(payload)
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				result, err := a.provider.Call(cmd.Context(), args[0], in, out, value)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVar(&input, "in", "any", "input type")
	cmd.Flags().StringVar(&output, "out", "any", "output type")

	return cmd
}
