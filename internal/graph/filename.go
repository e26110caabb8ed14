package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"
)

// maxFilenameLen bounds names derived from URLs.
const maxFilenameLen = 128

// filenameFromURL derives a local filename from rawURL: the last path
// segment with the query dropped, prefixed with a short digest of the full
// URL so that different sources never share a name, and shortened to
// maxFilenameLen while keeping the extension.
func filenameFromURL(rawURL string) string {
	base := ""
	if u, err := url.Parse(rawURL); err == nil {
		base = path.Base(u.Path)
	}
	if base == "" || base == "." || base == "/" {
		base = "file"
	}
	base = sanitize(base)

	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:4]) + "_" + base
	if len(name) <= maxFilenameLen {
		return name
	}

	ext := path.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	stem := name[:maxFilenameLen-len(ext)]
	for !utf8.ValidString(stem) {
		stem = stem[:len(stem)-1]
	}
	return stem + ext
}

func sanitize(name string) string {
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
}
