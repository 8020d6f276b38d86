package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"storywarden/internal/mask"
)

func queryMaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mask <session> <entity>",
		Short: "Show the legal actions for an entity right now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			m, err := mask.NewEngine(db, db, db, db).Compute(ctx, args[0], args[1], time.Now())
			if err != nil {
				return err
			}
			if queryJSON {
				return printJSON(cmd.OutOrStdout(), m)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s at %s (AC %d)\n", m.EntityID, m.Location, m.State.AC)
			for _, action := range m.Actions() {
				e := m.Entries[action]
				fmt.Fprintf(out, "  %-28s %s\n", action, describe(e.Justification))
			}
			return nil
		},
	}
}

func describe(j mask.Justification) string {
	switch {
	case j.Edge != "":
		s := fmt.Sprintf("via %s to %s, cost %d", j.Edge, j.Destination, j.Cost)
		if j.UnlockedBy != "" {
			s += ", unlocked by " + j.UnlockedBy
		}
		return s
	case j.Resource != "":
		return fmt.Sprintf("spends %d of %s (%d left)", j.Spend, j.Resource, j.Remaining)
	case j.Location != "":
		return "at " + j.Location
	}
	return ""
}
