package model

import "time"

// RunSummary aggregates the outcomes of one import run.
type RunSummary struct {
	ID          string        `json:"id" yaml:"id"`
	BatchRoot   string        `json:"batch_root" yaml:"batch_root"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time     `json:"finished_at" yaml:"finished_at"`
	Imported    int           `json:"imported" yaml:"imported"`
	Quarantined int           `json:"quarantined" yaml:"quarantined"`
	Retried     int           `json:"retried" yaml:"retried"`
	Duplicates  int           `json:"duplicates" yaml:"duplicates"`
	Outcomes    []FileOutcome `json:"outcomes,omitempty" yaml:"-"`
}

// LedgerOutcome is the terminal outcome recorded for a file in the ledger.
type LedgerOutcome string

const (
	LedgerStored      LedgerOutcome = "stored"
	LedgerQuarantined LedgerOutcome = "quarantined"
)

// LedgerEntry is the store-resident processing record for one file. The
// filename marker stays as an operator-visible convenience; the ledger is
// authoritative for crash-window reconciliation (committed_at set, marked_at
// null means the process died between commit and rename).
type LedgerEntry struct {
	Path        string        `json:"path" yaml:"path"`
	ContentHash string        `json:"content_hash" yaml:"content_hash"`
	AttemptedAt time.Time     `json:"attempted_at" yaml:"attempted_at"`
	CommittedAt *time.Time    `json:"committed_at,omitempty" yaml:"committed_at,omitempty"`
	MarkedAt    *time.Time    `json:"marked_at,omitempty" yaml:"marked_at,omitempty"`
	Outcome     LedgerOutcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Reason      string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}
