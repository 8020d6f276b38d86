package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

var queryJSON bool

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect session state from the CLI",
	}
	cmd.PersistentFlags().BoolVar(&queryJSON, "json", false, "Print JSON instead of text")
	cmd.AddCommand(queryFactsCmd())
	cmd.AddCommand(queryMaskCmd())
	cmd.AddCommand(queryEntityCmd())
	cmd.AddCommand(queryRouteCmd())
	cmd.AddCommand(queryAuditCmd())
	return cmd
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
