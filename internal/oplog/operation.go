package oplog

import (
	"strings"
)

// OpType tags an operation. The set is closed.
type OpType string

const (
	Insert  OpType = "insert"
	Delete  OpType = "delete"
	Replace OpType = "replace"
)

func (t OpType) Valid() bool {
	switch t {
	case Insert, Delete, Replace:
		return true
	}
	return false
}

// AnonymousAuthor is recorded when a submission carries no author.
const AnonymousAuthor = "anonymous"

// Operation is a single accepted edit. ID, Timestamp and Version are assigned
// by the log at append time and never change afterwards.
type Operation struct {
	ID        string `json:"id"`
	Type      OpType `json:"type"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	ProjectID string `json:"projectId"`
	// Timestamp is the acceptance time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	Version   int64 `json:"version"`
}

// Input is what a client submits: an operation minus the server-assigned fields.
type Input struct {
	Type      OpType `json:"type"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	ProjectID string `json:"projectId"`
}

// Normalize validates the input and fills the author default.
func (in *Input) Normalize() error {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	switch {
	case in.ProjectID == "":
		return &ValidationError{Field: "projectId", Reason: "is required"}
	case in.Type == "":
		return &ValidationError{Field: "type", Reason: "is required"}
	case !in.Type.Valid():
		return &ValidationError{Field: "type", Reason: "must be one of insert, delete, replace"}
	case in.File == "":
		return &ValidationError{Field: "file", Reason: "is required"}
	case in.Line < 0 || in.Column < 0:
		return &ValidationError{Field: "line", Reason: "position must not be negative"}
	}
	if strings.TrimSpace(in.Author) == "" {
		in.Author = AnonymousAuthor
	}
	return nil
}

// SyncResult answers "what happened since version V".
type SyncResult struct {
	Operations     []Operation `json:"operations"`
	CurrentVersion int64       `json:"currentVersion"`
	// Complete is true only when Operations covers every version in
	// (since, CurrentVersion]. It is false when the bounded window was too
	// small or older history has been cleared.
	Complete bool `json:"complete"`
}

// Snapshot is a stored full copy of one file at a project version.
type Snapshot struct {
	ProjectID string `json:"projectId"`
	File      string `json:"file"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version"`
}
