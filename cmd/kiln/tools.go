package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/tool"
)

func newToolsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tools",
		Short:   "Inspect tool specs",
		Aliases: []string{"tool"},
	}
	cmd.AddCommand(newToolsListCmd(g))
	cmd.AddCommand(newToolsValidateCmd(g))
	return cmd
}

func newToolsListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List the tools in the tools directory",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := tool.LoadDir(g.fs, g.cfg.ToolsDir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tHANDLER\tOUTPUT\tCOST\tNAME")
			for _, s := range specs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Key, s.Handler, s.OutputType, s.CostEstimate, s.Name)
			}
			return w.Flush()
		},
	}
}

// newToolsValidateCmd checks every spec and, for workflow tools, that the
// workflow file parses and matches the spec's bindings. It needs no backend.
func newToolsValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate tool specs and their workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := tool.LoadDir(g.fs, g.cfg.ToolsDir)
			if err != nil {
				return err
			}
			inj, err := graph.NewInjector(graph.Config{Fs: g.fs}, g.log)
			if err != nil {
				return err
			}
			for _, s := range specs {
				if s.Handler != tool.HandlerComfyUI {
					continue
				}
				wf, err := inj.Load(s.WorkflowPath())
				if err != nil {
					return fmt.Errorf("tool %s: %w", s.Key, err)
				}
				if err := graph.CheckBindings(wf, s.Parameters); err != nil {
					return fmt.Errorf("tool %s: %w", s.Key, err)
				}
			}
			fmt.Fprintf(g.out, "%d tools OK\n", len(specs))
			return nil
		},
	}
}
