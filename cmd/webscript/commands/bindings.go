package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/webscript/pkg/stores"
)

func newBindingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Inspect and edit the script binding table",
		Long: `Manage the table that maps script identifiers to locations.

The table lives in the store named by bindings.kind: a Java properties
file, a SQLite database with snapshots of every revision, or memory.
Changes are seen by the next invocation of the script; a running server
does not need to be restarted.`,
	}

	cmd.AddCommand(newBindingsListCommand())
	cmd.AddCommand(newBindingsGetCommand())
	cmd.AddCommand(newBindingsSetCommand())
	cmd.AddCommand(newBindingsRemoveCommand())
	cmd.AddCommand(newBindingsSnapshotsCommand())

	return cmd
}

func newBindingsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				table, err := a.pipeline.Bindings(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printResult(cmd.OutOrStdout(), table)
				}

				ids := make([]string, 0, len(table))
				for id := range table {
					ids = append(ids, id)
				}
				sort.Strings(ids)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCRIPT\tLOCATION")
				for _, id := range ids {
					fmt.Fprintf(w, "%s\t%s\n", id, table[id])
				}
				return w.Flush()
			})
		},
	}
}

func newBindingsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <script-id>",
		Short: "Show the location bound to a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				location, err := a.pipeline.Binding(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), location)
			})
		},
	}
}

func newBindingsSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <script-id> <location>",
		Short: "Bind a script to a location",
		Example: `  webscript bindings set hello https://scripts.example.com/hello.star
  webscript bindings set report sftp://deploy@files.example.com/scripts/report.star`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.pipeline.SetBinding(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newBindingsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <script-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a binding",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.pipeline.RemoveBinding(cmd.Context(), args[0])
			})
		},
	}
}

func newBindingsSnapshotsCommand() *cobra.Command {
	var prune int

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List revisions of a SQLite binding table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				store, ok := a.store.(*stores.SQLiteStore)
				if !ok {
					return fmt.Errorf("snapshots require bindings.kind %q", "sqlite")
				}
				if prune > 0 {
					n, err := store.Prune(cmd.Context(), prune)
					if err != nil {
						return err
					}
					a.logger.Info().Int64("removed", n).Msg("snapshots pruned")
				}

				snapshots, err := store.Snapshots(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printResult(cmd.OutOrStdout(), snapshots)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tID\tCREATED\tBINDINGS")
				for _, s := range snapshots {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", s.Seq, s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Size)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&prune, "prune", 0, "keep only the newest N snapshots")

	return cmd
}
