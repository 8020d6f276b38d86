package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"storywarden/internal/store"
)

func queryFactsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "facts <session>",
		Short: "List established facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			facts, err := db.GetFacts(ctx, args[0])
			if err != nil {
				return err
			}
			var out []store.Fact
			for _, key := range slices.Sorted(maps.Keys(facts)) {
				if strings.HasPrefix(key, prefix) {
					out = append(out, facts[key])
				}
			}
			if queryJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			if len(out) == 0 {
				cmd.Println("No facts.")
				return nil
			}
			for _, f := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s  (%s, %.2f)\n", f.Key, store.ValueString(f.Value), f.Provenance, f.Confidence)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only keys with this prefix")
	return cmd
}
