package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
)

// globals are resolved once per invocation by the root command.
type globals struct {
	cfg config.Config
	log *logrus.Logger
	fs  afero.Fs
	out io.Writer
}

func newRootCmd() *cobra.Command {
	g := &globals{fs: afero.NewOsFs()}

	cmd := &cobra.Command{
		Use:   "kiln",
		Short: "kiln runs generative tools as billed, cancellable tasks",
		Long: `kiln turns declarative tool specs into tasks: arguments are validated,
the call is priced and charged, and the work runs on a local function, a
ComfyUI workflow or a hosted prediction API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "", "Log level (debug, info, warn, error); overrides KILN_LOG_LEVEL")
	cmd.PersistentFlags().String("tools", "", "Directory of tool specs; overrides KILN_TOOLS_DIR")
	cmd.PersistentFlags().String("db", "", "SQLite database path; overrides KILN_DB_PATH")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		g.cfg = config.Load()
		if v, _ := c.Flags().GetString("tools"); v != "" {
			g.cfg.ToolsDir = v
		}
		if v, _ := c.Flags().GetString("db"); v != "" {
			g.cfg.DBPath = v
		}
		level := g.cfg.LogLevel
		if v, _ := c.Flags().GetString("log"); v != "" {
			parsed, err := logrus.ParseLevel(v)
			if err != nil {
				return err
			}
			level = parsed
		}
		g.log = config.NewLogger(os.Stderr, level)
		g.out = c.OutOrStdout()
		return nil
	}

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newToolsCmd(g))
	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newLedgerCmd(g))
	return cmd
}
