// Package model defines the domain types shared across the importer.
package model

import "time"

// ScoreEntry is one evaluated criterion within a report.
type ScoreEntry struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Comment   string  `json:"comment,omitempty"`
}

// Report is the validated content of one source file. It exists only while
// that file is being processed; the durable form is an Evaluation plus its
// EvaluationScore rows.
type Report struct {
	Agent        string       `json:"agent"`
	OccurredAt   time.Time    `json:"occurred_at"`
	OverallScore float64      `json:"overall_score"`
	Scores       []ScoreEntry `json:"scores"`
	SourceFile   string       `json:"source_file"`
}

// CriterionNames returns the distinct criterion names in first-seen order.
func (r *Report) CriterionNames() []string {
	seen := make(map[string]bool, len(r.Scores))
	var names []string
	for _, s := range r.Scores {
		if !seen[s.Criterion] {
			seen[s.Criterion] = true
			names = append(names, s.Criterion)
		}
	}
	return names
}
