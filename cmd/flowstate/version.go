package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(map[string]any{
					"version":       version,
					"schemaVersion": schemaVersion,
				})
			}
			fmt.Printf("flowstate version %s (schema %d)\n", version, schemaVersion)
			return nil
		},
	}
}
