package storage

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/retry"
)

// FilesPrefix is the URL path under which the API serves local storage.
const FilesPrefix = "/files/"

// Local stores artifacts in a directory of an afero filesystem.
type Local struct {
	fs        afero.Fs
	root      string
	publicURL string
	fetch     *fetcher
}

// LocalConfig configures a Local store.
type LocalConfig struct {
	// Root is the directory artifacts are written to.
	Root string
	// PublicURL is the externally reachable API address. When empty, Upload
	// returns file:// URLs.
	PublicURL string
	Client    *http.Client
	Retry     retry.Config
}

// NewLocal creates a Local store on fs.
func NewLocal(fs afero.Fs, cfg LocalConfig, log logrus.FieldLogger) (*Local, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	if err := fs.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Local{
		fs:        fs,
		root:      cfg.Root,
		publicURL: cfg.PublicURL,
		fetch: &fetcher{
			fs:       fs,
			client:   client,
			retry:    cfg.Retry,
			log:      log.WithField("component", "storage"),
			fileRoot: cfg.Root,
		},
	}, nil
}

// Root returns the directory artifacts are stored in.
func (l *Local) Root() string {
	return l.root
}

// Upload copies localPath into the storage root.
func (l *Local) Upload(ctx context.Context, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := objectName(localPath)
	dst := filepath.Join(l.root, name)
	if err := copyFile(l.fs, localPath, dst); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	if l.publicURL == "" {
		return "file://" + dst, nil
	}
	return joinURL(l.publicURL, FilesPrefix+name), nil
}

// Download fetches rawURL to localPath.
func (l *Local) Download(ctx context.Context, rawURL, localPath string) (string, error) {
	return l.fetch.download(ctx, rawURL, localPath)
}
