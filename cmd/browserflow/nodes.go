package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes [name]",
	Short: "Print node descriptions as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newApp()
		if err != nil {
			return err
		}
		defer rt.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if len(args) == 0 {
			return enc.Encode(rt.registry.List())
		}
		n, err := rt.registry.Get(args[0])
		if err != nil {
			return err
		}
		return enc.Encode(n.Description())
	},
}
