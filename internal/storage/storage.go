// Package storage moves media artifacts between the local filesystem and
// the object store results are served from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/retry"
)

// Store uploads local files and downloads remote ones.
type Store interface {
	// Upload copies the file at localPath into storage and returns its URL.
	Upload(ctx context.Context, localPath string) (string, error)
	// Download fetches rawURL to localPath and returns localPath.
	Download(ctx context.Context, rawURL, localPath string) (string, error)
}

// ErrOutsideRoot is returned for file:// URLs that do not point into the
// store's own directory.
var ErrOutsideRoot = errors.New("file outside storage root")

// IsRemote reports whether ref is a URL rather than a local path.
func IsRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "file":
		return true
	}
	return false
}

// objectName derives a unique object name that keeps the source extension.
func objectName(localPath string) string {
	return strings.ToLower(model.NewID()) + strings.ToLower(filepath.Ext(localPath))
}

// fetcher downloads URLs into an afero filesystem with retries. file://
// URLs are served only from under fileRoot; an empty fileRoot refuses them.
type fetcher struct {
	fs       afero.Fs
	client   *http.Client
	retry    retry.Config
	log      logrus.FieldLogger
	fileRoot string
}

func (f *fetcher) download(ctx context.Context, rawURL, localPath string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if err := f.fs.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	case "file":
		if !within(f.fileRoot, u.Path) {
			return "", fmt.Errorf("download %s: %w", rawURL, ErrOutsideRoot)
		}
		if err := copyFile(f.fs, u.Path, localPath); err != nil {
			return "", fmt.Errorf("download %s: %w", rawURL, err)
		}
		return localPath, nil
	default:
		return "", fmt.Errorf("download %s: unsupported scheme %q", rawURL, u.Scheme)
	}

	log := f.log.WithField("url", rawURL)
	_, err = retry.Do(ctx, f.retry, log, func() (struct{}, error) {
		return struct{}{}, f.get(ctx, rawURL, localPath)
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	return localPath, nil
}

func (f *fetcher) get(ctx context.Context, rawURL, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("unexpected status %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := f.fs.Create(localPath)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create %s: %w", localPath, err))
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// within reports whether p names a path strictly inside root.
func within(root, p string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// joinURL appends name to base, which may already carry a path.
func joinURL(base, name string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + name
	}
	u.Path = path.Join("/", u.Path, name)
	return u.String()
}
