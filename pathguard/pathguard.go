// Package pathguard implements the Path Guard (C3): filename validation
// that rejects path traversal, sub-directory access, and reserved prefixes,
// adapted from horosafe's identifier/path validation primitives.
package pathguard

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/tsdgate/apierr"
)

// Validate checks a URL-unescaped filename candidate. ingest selects whether
// a violation is reported as an ingest error (400) or an export error (403),
// per SPEC_FULL.md §4.3.
func Validate(raw string, disallowedStartChars string, ingest bool) (string, error) {
	name, err := url.QueryUnescape(raw)
	if err != nil {
		return "", illegal(ingest, "cannot unescape filename")
	}
	if name == "" {
		return "", illegal(ingest, "empty filename")
	}
	if strings.ContainsRune(name, '/') || strings.Contains(name, "..") {
		return "", illegal(ingest, "sub-directory access is not permitted")
	}
	if filepath.IsAbs(name) {
		return "", illegal(ingest, "absolute paths are not permitted")
	}
	if strings.ContainsAny(name[:1], disallowedStartChars) {
		return "", illegal(ingest, "filename begins with a disallowed character")
	}
	return name, nil
}

func illegal(ingest bool, msg string) *apierr.Error {
	if ingest {
		return apierr.IllegalFilenameIngest(msg)
	}
	return apierr.IllegalFilenameExport(msg)
}
