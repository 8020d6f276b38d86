package main

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"storywarden/internal/rules"
)

func queryEntityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entity <session> <name>",
		Short: "Display an entity and its effective state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			now := time.Now()
			e, err := db.GetEntity(ctx, args[0], args[1], now)
			if err != nil {
				return err
			}
			if queryJSON {
				return printJSON(cmd.OutOrStdout(), e)
			}

			out := cmd.OutOrStdout()
			state := rules.Effective(e, now)
			fmt.Fprintf(out, "Name: %s (%s)\n", e.Name, e.ID)
			fmt.Fprintf(out, "Kind: %s\n", e.Kind)
			if e.Class != "" {
				fmt.Fprintf(out, "Class: %s %d\n", e.Class, e.Level)
			}
			if loc, err := db.LocationOf(ctx, args[0], e.ID); err == nil {
				fmt.Fprintf(out, "Location: %s\n", loc)
			}
			fmt.Fprintf(out, "HP: %d/%d\n", e.HP, e.MaxHP)
			fmt.Fprintf(out, "AC: %d (base %d)\n", state.AC, e.BaseAC)
			if len(e.Resources) > 0 {
				fmt.Fprintln(out, "Resources:")
				for _, k := range slices.Sorted(maps.Keys(e.Resources)) {
					fmt.Fprintf(out, "  %s: %d\n", k, e.Resources[k])
				}
			}
			if len(e.Inventory) > 0 {
				fmt.Fprintln(out, "Inventory:")
				for _, item := range e.Inventory {
					fmt.Fprintf(out, "  %s x%d\n", item.Name, item.Qty)
				}
			}
			for _, ef := range e.Effects {
				expires := "until dispelled"
				if ef.ExpiresAt != nil {
					expires = "until " + ef.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "Effect: %s from %s, %s\n", ef.ID, ef.Source, expires)
			}
			return nil
		},
	}
}
