package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Example: `  # Serve on the default address with the tools in ./tools
  kiln serve

  # Serve ComfyUI tools as well
  KILN_COMFYUI_URL=http://comfy:8188 KILN_COMFYUI_ROOT=/opt/comfy kiln serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g.cfg, g.fs, os.Stderr, g.log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(context.Background()); err != nil {
					g.log.WithError(err).Error("shutdown")
				}
			}()

			g.log.WithFields(logrus.Fields{
				"listen_addr": g.cfg.ListenAddr,
				"db_path":     g.cfg.DBPath,
				"tools":       len(a.engine.Tools()),
				"storage":     g.cfg.Storage,
			}).Info("kiln: starting")

			srv := api.NewServer(g.cfg.ListenAddr, a.engine, a.db, a.ledger, a.runner.Broker(), g.log)
			if g.cfg.Storage == config.StorageLocal {
				srv.ServeFiles(g.fs, g.cfg.FilesDir())
			}
			return srv.Run()
		},
	}
}
