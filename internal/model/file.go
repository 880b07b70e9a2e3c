package model

import "time"

// FileState is the processing state a source file's name encodes.
type FileState string

const (
	FileDiscovered  FileState = "discovered"
	FileStored      FileState = "stored"
	FileQuarantined FileState = "quarantined"
)

// Stage identifies where in the per-file pipeline an outcome was decided.
type Stage string

const (
	StageParsing    Stage = "parsing"
	StageResolving  Stage = "resolving"
	StageCommitting Stage = "committing"
	StageMarking    Stage = "marking"
)

// SourceFile is a discovered report file awaiting import.
type SourceFile struct {
	Path    string    `json:"path"`
	Batch   string    `json:"batch"`
	ModTime time.Time `json:"mod_time"`
}

// FileOutcome records what happened to one file during a run.
type FileOutcome struct {
	Path      string    `json:"path"`
	State     FileState `json:"state"`
	Stage     Stage     `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Transient bool      `json:"transient,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
}
