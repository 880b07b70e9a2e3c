// Package batch manages source files on disk: discovering eligible report
// files under a batch root and durably marking them once processed. The
// filename prefix is the operator-visible state; the store-resident ledger
// is the authoritative record.
package batch

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/teleperf/phoneqa/internal/model"
)

// DefaultStoredPrefix and DefaultQuarantinePrefix match the filename
// convention the upstream producer expects.
const (
	DefaultStoredPrefix     = "Stored-"
	DefaultQuarantinePrefix = "BadData-"
)

// Discoverer enumerates eligible report files.
type Discoverer struct {
	StoredPrefix     string
	QuarantinePrefix string
	Suffix           string // candidate file suffix, default ".json"
}

// NewDiscoverer returns a Discoverer with the default marker prefixes.
func NewDiscoverer() Discoverer {
	return Discoverer{
		StoredPrefix:     DefaultStoredPrefix,
		QuarantinePrefix: DefaultQuarantinePrefix,
		Suffix:           ".json",
	}
}

// Discover walks root recursively and returns every unmarked report file.
// filepath.WalkDir visits entries in lexical order, so repeated runs over an
// unchanged tree yield the same sequence.
func (d Discoverer) Discover(root string) ([]model.SourceFile, error) {
	suffix := d.Suffix
	if suffix == "" {
		suffix = ".json"
	}

	var files []model.SourceFile
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if !strings.HasSuffix(name, suffix) {
			return nil
		}
		if strings.HasPrefix(name, d.StoredPrefix) || strings.HasPrefix(name, d.QuarantinePrefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		files = append(files, model.SourceFile{
			Path:    path,
			Batch:   filepath.Base(root),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: discover under %s", root)
	}
	return files, nil
}

var numericDir = regexp.MustCompile(`^\d{3,6}$`)

// AgentFromPath derives the agent extension for a file from its location:
// the first fully numeric directory under root (the producer groups files in
// per-agent subfolders), falling back to a numeric file basename. Returns ""
// when the path carries no usable identifier.
func AgentFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts[:max(len(parts)-1, 0)] {
		if numericDir.MatchString(p) {
			return p
		}
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if numericDir.MatchString(base) {
		return base
	}
	return ""
}
