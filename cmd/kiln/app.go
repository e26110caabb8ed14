package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/billing"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/observability"
	"github.com/seantiz/kiln/internal/retry"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/storage"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/tool"
	"github.com/seantiz/kiln/internal/tool/comfyui"
	"github.com/seantiz/kiln/internal/tool/local"
	"github.com/seantiz/kiln/internal/tool/replicate"
)

// app holds the wired components of a kiln process.
type app struct {
	cfg     config.Config
	log     logrus.FieldLogger
	fs      afero.Fs
	db      *store.SQLiteStore
	ledger  *billing.Ledger
	files   storage.Store
	runner  *runner.Runner
	engine  *engine.Engine
	closers []func(context.Context) error
}

// newApp opens the database and storage, loads the tool specs and builds
// every tool whose backend is configured. traceOut receives spans when the
// stdout exporter is selected.
func newApp(ctx context.Context, cfg config.Config, fs afero.Fs, traceOut io.Writer, log logrus.FieldLogger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &app{cfg: cfg, log: log, fs: fs}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := observability.InitTracing("kiln", cfg.OTelExporter, traceOut)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	a.ledger = billing.New(db, log)

	if err := fs.MkdirAll(cfg.WorkDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if a.files, err = openStorage(ctx, cfg, fs, log); err != nil {
		return nil, err
	}

	a.runner = runner.New(runner.Config{
		Store:   db,
		Ledger:  a.ledger,
		Storage: a.files,
		Fs:      fs,
		WorkDir: cfg.WorkDir(),
	}, log)

	specs, err := tool.LoadDir(fs, cfg.ToolsDir)
	if err != nil {
		return nil, err
	}
	factories, err := a.factories()
	if err != nil {
		return nil, err
	}
	reg, err := tool.Build(available(specs, factories, log), factories)
	if err != nil {
		return nil, err
	}

	a.engine = engine.New(db, reg, a.ledger, a.runner, log)
	a.closers = append(a.closers, func(context.Context) error {
		a.engine.Shutdown()
		return nil
	})
	return a, nil
}

func openStorage(ctx context.Context, cfg config.Config, fs afero.Fs, log logrus.FieldLogger) (storage.Store, error) {
	rc := retry.DefaultConfig()
	switch cfg.Storage {
	case config.StorageMinIO:
		return storage.NewMinIO(ctx, fs, storage.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			PublicURL: cfg.MinIO.PublicURL,
			Retry:     rc,
		}, log)
	default:
		return storage.NewLocal(fs, storage.LocalConfig{
			Root:      cfg.FilesDir(),
			PublicURL: cfg.PublicURL,
			Retry:     rc,
		}, log)
	}
}

// factories returns a factory for every backend the config enables.
func (a *app) factories() (map[string]tool.Factory, error) {
	rc := retry.DefaultConfig()
	factories := map[string]tool.Factory{
		tool.HandlerLocal: local.Factory(a.runner, local.Handlers(a.fs, a.cfg.WorkDir())),
	}

	if a.cfg.ComfyUIURL != "" {
		inj, err := graph.NewInjector(graph.Config{
			Fs:      a.fs,
			Root:    a.cfg.ComfyUIRoot,
			Loras:   a.db,
			Storage: a.files,
		}, a.log)
		if err != nil {
			return nil, err
		}
		factories[tool.HandlerComfyUI] = comfyui.Factory(comfyui.Config{
			Client:   comfyui.NewClient(a.cfg.ComfyUIURL, nil, rc, a.log),
			Injector: inj,
			Runner:   a.runner,
		}, a.log)
	}

	if a.cfg.ReplicateToken != "" {
		factories[tool.HandlerReplicate] = replicate.Factory(replicate.Config{
			Client:     replicate.NewClient(a.cfg.ReplicateURL, a.cfg.ReplicateToken, nil, rc, a.log),
			Runner:     a.runner,
			WebhookURL: a.cfg.WebhookURL,
		}, a.log)
	}
	return factories, nil
}

// available drops the specs whose backend is not configured.
func available(specs []*tool.Spec, factories map[string]tool.Factory, log logrus.FieldLogger) []*tool.Spec {
	out := specs[:0:0]
	for _, s := range specs {
		if _, ok := factories[s.Handler]; !ok {
			log.WithFields(logrus.Fields{"tool": s.Key, "handler": s.Handler}).Warn("backend not configured, skipping tool")
			continue
		}
		out = append(out, s)
	}
	return out
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
