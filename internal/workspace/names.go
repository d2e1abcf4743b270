package workspace

import (
	"path"
	"path/filepath"
	"strings"
)

// Reserved top-level names inside a session directory.
const (
	metaDir  = ".bassi"
	blobsDir = ".blobs"
)

// validSessionID rejects ids that are not a single plain path element.
func validSessionID(id string) error {
	switch {
	case id == "":
		return &InvalidNameError{Name: id, Reason: "empty session id"}
	case strings.HasPrefix(id, "."):
		return &InvalidNameError{Name: id, Reason: "session id must not start with a dot"}
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return &InvalidNameError{Name: id, Reason: "session id must be a single path element"}
	}
	return nil
}

// canonicalName cleans a logical name into a slash-separated relative path
// and verifies the joined path stays inside sessionDir.
func canonicalName(sessionDir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", &InvalidNameError{Name: name, Reason: "empty name"}
	}
	if strings.ContainsRune(name, 0) {
		return "", &InvalidNameError{Name: name, Reason: "name contains a NUL byte"}
	}

	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", &InvalidNameError{Name: name, Reason: "absolute paths are not allowed"}
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", &InvalidNameError{Name: name, Reason: "name does not refer to a file"}
	}

	first := strings.SplitN(cleaned, "/", 2)[0]
	if first == metaDir || first == blobsDir {
		return "", &InvalidNameError{Name: name, Reason: "name is reserved"}
	}

	target := filepath.Join(sessionDir, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(sessionDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &InvalidNameError{Name: name, Reason: "name escapes the session directory"}
	}
	return cleaned, nil
}

// validHash reports whether h looks like a hex BLAKE3-256 digest.
func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for _, c := range h {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
