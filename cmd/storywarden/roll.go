package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storywarden/internal/dice"
)

func rollCmd() *cobra.Command {
	var policy, session string
	cmd := &cobra.Command{
		Use:   "roll <formula>",
		Short: "Roll dice, e.g. 1d20+3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if policy == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				stored := map[string]any{}
				if session != "" {
					db, err := openStore(ctx, cfg.Database.DSN)
					if err != nil {
						return err
					}
					s, err := db.GetSession(ctx, session)
					db.Close(ctx)
					if err != nil {
						return err
					}
					stored = s.HouseRules
				}
				policy, _ = cfg.MergeHouseRules(stored)["dice_policy"].(string)
			}

			res, err := dice.Roller{}.Roll(args[0], policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %d  rolls %v (%s)\n", res.Formula, res.Total, res.Rolls, res.Policy)
			if res.Notes != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", res.Notes)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "core, advantage or disadvantage (default from house rules)")
	cmd.Flags().StringVar(&session, "session", "", "Use this session's house rules")
	return cmd
}
