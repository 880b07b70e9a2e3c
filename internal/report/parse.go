// Package report parses and validates call-evaluation report files. Parsing
// is pure: it reads only the bytes it is given and performs no I/O.
package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teleperf/phoneqa/internal/model"
)

// Default score ranges. Overall scores are percentages; per-criterion scores
// use a small rubric scale.
const (
	DefaultMaxOverall   = 100.0
	DefaultMaxCriterion = 10.0
)

// Options tunes validation behavior.
type Options struct {
	// FallbackAgent is used when the document carries no agent identifier.
	// Callers derive it from the file's location (agent subfolder or
	// basename). Empty means no fallback is available.
	FallbackAgent string

	// FallbackOccurredAt is used when the document carries no occurrence
	// timestamp, typically the file's modification time.
	FallbackOccurredAt time.Time

	// MaxOverall and MaxCriterion cap the accepted score ranges; zero
	// selects the defaults. Scores below zero are always rejected.
	MaxOverall   float64
	MaxCriterion float64

	// StrictDuplicates rejects reports that score the same criterion more
	// than once. The default treats repeats as repeated observations.
	StrictDuplicates bool
}

// MalformedError describes a validation failure in a candidate report.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Field == "" {
		return "malformed report: " + e.Reason
	}
	return fmt.Sprintf("malformed report: %s: %s", e.Field, e.Reason)
}

func malformed(field, reason string) error {
	return &MalformedError{Field: field, Reason: reason}
}

type rawScore struct {
	Criterion string          `json:"criterion"`
	Score     json.RawMessage `json:"score"`
	Comment   string          `json:"comment"`
}

type rawReport struct {
	Agent        json.RawMessage `json:"agent"`
	OccurredAt   string          `json:"occurred_at"`
	OverallScore json.RawMessage `json:"overall_score"`
	Scores       []rawScore      `json:"scores"`
}

// Parse turns raw file bytes into a validated Report or fails with a
// *MalformedError naming the offending field.
func Parse(raw []byte, opts Options) (*model.Report, error) {
	maxOverall := opts.MaxOverall
	if maxOverall <= 0 {
		maxOverall = DefaultMaxOverall
	}
	maxCriterion := opts.MaxCriterion
	if maxCriterion <= 0 {
		maxCriterion = DefaultMaxCriterion
	}

	var doc rawReport
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, malformed("", "unparseable JSON document")
	}

	agent, err := parseAgent(doc.Agent)
	if err != nil {
		return nil, err
	}
	if agent == "" {
		agent = strings.TrimSpace(opts.FallbackAgent)
	}
	if agent == "" {
		return nil, malformed("agent", "missing agent identifier")
	}

	overall, err := parseScore(doc.OverallScore, "overall score")
	if err != nil {
		return nil, err
	}
	if overall < 0 || overall > maxOverall {
		return nil, malformed("overall_score", fmt.Sprintf("overall score %g outside range [0, %g]", overall, maxOverall))
	}

	occurredAt := opts.FallbackOccurredAt
	if doc.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, doc.OccurredAt)
		if err != nil {
			return nil, malformed("occurred_at", "timestamp is not RFC3339")
		}
		occurredAt = t
	}

	if len(doc.Scores) == 0 {
		return nil, malformed("scores", "report evaluates no criteria")
	}

	seen := make(map[string]bool, len(doc.Scores))
	scores := make([]model.ScoreEntry, 0, len(doc.Scores))
	for i, s := range doc.Scores {
		name := strings.TrimSpace(s.Criterion)
		if name == "" {
			return nil, malformed(fmt.Sprintf("scores[%d].criterion", i), "missing criterion name")
		}
		if seen[name] && opts.StrictDuplicates {
			return nil, malformed(fmt.Sprintf("scores[%d].criterion", i), "duplicate criterion "+strconv.Quote(name))
		}
		seen[name] = true

		val, err := parseScore(s.Score, fmt.Sprintf("score for %q", name))
		if err != nil {
			return nil, err
		}
		if val < 0 || val > maxCriterion {
			return nil, malformed(fmt.Sprintf("scores[%d].score", i), fmt.Sprintf("score %g outside range [0, %g]", val, maxCriterion))
		}

		scores = append(scores, model.ScoreEntry{
			Criterion: name,
			Score:     val,
			Comment:   strings.TrimSpace(s.Comment),
		})
	}

	return &model.Report{
		Agent:        agent,
		OccurredAt:   occurredAt,
		OverallScore: overall,
		Scores:       scores,
	}, nil
}

// parseAgent accepts the identifier as a JSON string or bare number; some
// producers emit extensions unquoted.
func parseAgent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", malformed("agent", "agent identifier is neither string nor number")
}

func parseScore(raw json.RawMessage, what string) (float64, error) {
	if len(raw) == 0 {
		return 0, malformed("", "missing "+what)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, malformed("", "invalid "+what)
	}
	return v, nil
}
