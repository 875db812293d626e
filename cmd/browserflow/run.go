package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/browserflow/internal/node"
)

var (
	runFlagParams string
	runFlagSet    []string
	runFlagStdin  bool
)

var runCmd = &cobra.Command{
	Use:   "run <node>",
	Short: "Execute a node once and print the output items",
	Long: `Execute a node once and print the output items as JSON.

Parameters come from --params (a YAML or JSON file) and are overridden by
--set key=value. With --stdin, items are read from standard input as a JSON
array. Elements with a "json" or "params" key are items; per-item params
override the node parameters. Any other object becomes the item's json.

Examples:
  browserflow run browser --set operation=extract --set url=https://example.com \
    --set instruction="the page heading"
  echo '[{"params":{"url":"https://a.example"}},{"params":{"url":"https://b.example"}}]' | \
    browserflow run browser --set operation=screenshot --stdin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := loadParams(runFlagParams, runFlagSet)
		if err != nil {
			return err
		}
		var items []node.Item
		if runFlagStdin {
			if items, err = readItems(os.Stdin); err != nil {
				return err
			}
		}

		rt, err := newApp()
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.registry.Get(args[0])
		if err != nil {
			return err
		}
		out, err := n.Execute(cmd.Context(), node.Input{Items: items, Params: params})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFlagParams, "params", "p", "", "YAML or JSON file with node parameters")
	runCmd.Flags().StringArrayVar(&runFlagSet, "set", nil, "parameter override as key=value (repeatable)")
	runCmd.Flags().BoolVar(&runFlagStdin, "stdin", false, "read input items from stdin")
}

// loadParams merges the parameter file with key=value overrides. Override
// values are parsed as YAML scalars, so "maxSteps=5" is a number and
// "includeUsage=true" a boolean.
func loadParams(path string, sets []string) (map[string]any, error) {
	params := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params %s: %w", path, err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		params[key] = scalar(raw)
	}
	return params, nil
}

func scalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case bool, int, float64:
		return v
	default:
		return raw
	}
}

func readItems(r io.Reader) ([]node.Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("items must be a JSON array of objects: %w", err)
	}
	items := make([]node.Item, 0, len(raw))
	for _, obj := range raw {
		j, hasJSON := obj["json"].(map[string]any)
		p, hasParams := obj["params"].(map[string]any)
		if hasJSON || hasParams {
			if j == nil {
				j = map[string]any{}
			}
			items = append(items, node.Item{JSON: j, Params: p})
			continue
		}
		items = append(items, node.Item{JSON: obj})
	}
	return items, nil
}
