package roster

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/teleperf/phoneqa/internal/model"
)

// LoadXLSX parses a roster spreadsheet. The first sheet is used; a header
// row is detected by a non-numeric first cell and skipped. Columns:
// extension, full name, email.
func LoadXLSX(path string) ([]model.Agent, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "roster: open xlsx %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("roster: %s has no sheets", path)
	}

	var agents []model.Agent
	for i, row := range f.Sheets[0].Rows {
		cells := make([]string, 0, 3)
		for _, c := range row.Cells {
			cells = append(cells, strings.TrimSpace(c.String()))
		}
		if len(cells) < 2 {
			continue
		}
		ext := cells[0]
		if ext == "" {
			continue
		}
		if i == 0 && !isNumeric(ext) {
			continue // header row
		}
		a := model.Agent{Extension: ext, Name: cells[1], Rostered: true}
		if len(cells) > 2 {
			a.Email = cells[2]
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
