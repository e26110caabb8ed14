package graph

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var errUnknownArchive = errors.New("unrecognized archive format")

// extract unpacks the tar, tar.gz or zip archive at src into dir. The
// format is detected from the file contents.
func extract(fs afero.Fs, src, dir string) error {
	f, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return extractZip(fs, f, info.Size(), dir)
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		return extractTar(fs, gz, dir)
	case len(head) > 262 && string(head[257:262]) == "ustar":
		return extractTar(fs, f, dir)
	}
	return errUnknownArchive
}

func extractTar(fs afero.Fs, r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(entryPath(dir, hdr.Name), 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(fs, entryPath(dir, hdr.Name), tr); err != nil {
				return err
			}
		}
	}
}

func extractZip(fs afero.Fs, r io.ReaderAt, size int64, dir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("read zip: %w", err)
	}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			if err := fs.MkdirAll(entryPath(dir, zf.Name), 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", zf.Name, err)
		}
		err = writeEntry(fs, entryPath(dir, zf.Name), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// entryPath joins an archive entry name below dir, dropping any attempt to
// climb out of it.
func entryPath(dir, name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Join(dir, filepath.Clean("/"+name))
}

func writeEntry(fs afero.Fs, dst string, r io.Reader) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeEntry(fs, dst, in)
}
