// Package roster loads the agent roster that maps phone extensions to real
// names and contact addresses. Two formats are supported: the legacy
// tab-separated ExtList file and HR-exported XLSX spreadsheets.
package roster

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"

	"github.com/teleperf/phoneqa/internal/model"
)

// Load reads a roster file, dispatching on extension: ".xlsx" uses the
// spreadsheet reader, anything else the tab-separated reader.
func Load(path string) ([]model.Agent, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return LoadXLSX(path)
	}
	return LoadTSV(path)
}

// LoadTSV parses a tab-separated roster: extension, full name, email. Blank
// lines and '#' comments are skipped. Files exported from the legacy Windows
// system arrive in windows-1252; those are transparently decoded.
func LoadTSV(path string) ([]model.Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "roster: read %s", path)
	}
	if !utf8.Valid(raw) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "roster: decode %s", path)
		}
		raw = decoded
	}

	var agents []model.Agent
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			continue
		}
		ext := strings.TrimSpace(parts[0])
		if ext == "" {
			continue
		}
		agents = append(agents, model.Agent{
			Extension: ext,
			Name:      strings.TrimSpace(parts[1]),
			Email:     strings.TrimSpace(parts[2]),
			Rostered:  true,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "roster: scan %s", path)
	}
	return agents, nil
}

// ByExtension indexes a roster slice by extension.
func ByExtension(agents []model.Agent) map[string]model.Agent {
	m := make(map[string]model.Agent, len(agents))
	for _, a := range agents {
		m[a.Extension] = a
	}
	return m
}
