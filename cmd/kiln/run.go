package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		pairs   []string
		rawArgs string
	)
	cmd := &cobra.Command{
		Use:   "run <tool>",
		Short: "Run one sample of a tool without creating a task",
		Long: `Run validates the arguments and executes one sample synchronously. Nothing
is charged and no task is recorded; produced files stay where the backend
wrote them.`,
		Example: `  kiln run echo --arg prompt="hello"
  kiln run noise --arg width=128 --arg seed=7
  kiln run txt2img --json '{"prompt": "a red fox", "n_samples": 1}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(rawArgs, pairs)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), g.cfg, g.fs, os.Stderr, g.log)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			out, err := a.engine.Run(cmd.Context(), args[0], toolArgs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(g.out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"files":     out.Files,
				"thumbnail": out.Thumbnail,
				"value":     out.Value,
			})
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "Argument as key=value; values are parsed as JSON when possible")
	cmd.Flags().StringVar(&rawArgs, "json", "", "Arguments as a JSON object")
	return cmd
}

// parseToolArgs merges a JSON object with key=value pairs, pairs last.
func parseToolArgs(raw string, pairs []string) (map[string]any, error) {
	args := map[string]any{}
	if raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("--json: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--arg %q: want key=value", p)
		}
		args[k] = parseValue(v)
	}
	return args, nil
}

// parseValue decodes v as a JSON scalar or array, falling back to the raw
// string.
func parseValue(v string) any {
	dec := json.NewDecoder(strings.NewReader(v))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil || dec.More() {
		return v
	}
	if _, isObject := out.(map[string]any); isObject {
		return v
	}
	return out
}
