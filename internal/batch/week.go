package batch

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
)

var weekFolder = regexp.MustCompile(`Week of (\d{4}-\d{2}-\d{2})`)

// LatestBatch returns the most recent "Week of YYYY-MM-DD" folder directly
// under root. Folders matching the pattern with an invalid date are skipped.
func LatestBatch(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", eris.Wrapf(err, "batch: read root %s", root)
	}

	var (
		best     string
		bestDate time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := weekFolder.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		d, err := time.Parse("2006-01-02", m[1])
		if err != nil {
			continue
		}
		if best == "" || d.After(bestDate) {
			best = filepath.Join(root, e.Name())
			bestDate = d
		}
	}
	if best == "" {
		return "", eris.Errorf("batch: no 'Week of YYYY-MM-DD' folders under %s", root)
	}
	return best, nil
}
