package batch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Marker renames files to carry their terminal processing state. Renames stay
// within the file's directory, so they are atomic on every filesystem that
// matters here.
type Marker struct {
	StoredPrefix     string
	QuarantinePrefix string
}

// NewMarker returns a Marker with the default prefixes.
func NewMarker() Marker {
	return Marker{StoredPrefix: DefaultStoredPrefix, QuarantinePrefix: DefaultQuarantinePrefix}
}

// MarkStored renames path to carry the stored prefix. It must only be called
// after the store transaction for this file has committed.
func (m Marker) MarkStored(path string) error {
	return m.mark(path, m.StoredPrefix)
}

// MarkQuarantined renames path to carry the quarantine prefix.
func (m Marker) MarkQuarantined(path string) error {
	return m.mark(path, m.QuarantinePrefix)
}

// mark is idempotent: an already-marked source, or a missing source whose
// marked target exists (a previous run died after the rename), is a no-op.
func (m Marker) mark(path, prefix string) error {
	dir, base := filepath.Split(path)
	if strings.HasPrefix(base, prefix) {
		return nil
	}
	target := filepath.Join(dir, prefix+base)

	err := os.Rename(path, target)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(target); statErr == nil {
			return nil
		}
	}
	return eris.Wrapf(err, "batch: mark %s with %s", path, prefix)
}

// Marked reports whether the file name already carries either marker.
func (m Marker) Marked(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, m.StoredPrefix) || strings.HasPrefix(base, m.QuarantinePrefix)
}
