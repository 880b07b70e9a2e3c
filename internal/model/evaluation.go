package model

import "time"

// Evaluation is the durable result of one successfully imported report.
// SourceFile is unique in the store; that constraint is the at-most-once
// import guarantee and must never be relaxed.
type Evaluation struct {
	ID             int64     `json:"id"`
	AgentExtension string    `json:"agent_extension"`
	OccurredAt     time.Time `json:"occurred_at"`
	OverallScore   float64   `json:"overall_score"`
	SourceFile     string    `json:"source_file"`
}

// EvaluationScore is one line item of an Evaluation. It is created in the
// same transaction as its parent and shares its lifetime.
type EvaluationScore struct {
	ID           int64   `json:"id"`
	EvaluationID int64   `json:"evaluation_id"`
	CriterionID  int64   `json:"criterion_id"`
	Score        float64 `json:"score"`
	Comment      string  `json:"comment,omitempty"`
}
