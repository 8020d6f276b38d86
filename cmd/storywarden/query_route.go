package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storywarden/internal/mask"
)

func queryRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <session> <from> <to>",
		Short: "Find the shortest usable route between two locations",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			route, err := mask.NewEngine(db, db, db, db).Route(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if queryJSON {
				return printJSON(cmd.OutOrStdout(), route)
			}
			if !route.OK {
				fmt.Fprintf(cmd.OutOrStdout(), "No route: %s\n", route.Blocked.Message)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d hops, cost %d)\n", strings.Join(route.Path, " -> "), route.Distance, route.Cost)
			return nil
		},
	}
}
