package collab

import (
	"context"
	"strings"

	"collabtext/server/internal/oplog"
)

// Syncer answers catch-up queries for every transport and the REST poll
// endpoint. The window is bounded by limit; callers must check Complete.
type Syncer struct {
	log          oplog.Log
	defaultLimit int
}

func NewSyncer(log oplog.Log, defaultLimit int) *Syncer {
	if defaultLimit <= 0 {
		defaultLimit = oplog.DefaultLimit
	}
	return &Syncer{log: log, defaultLimit: defaultLimit}
}

func (s *Syncer) Since(ctx context.Context, projectID string, since int64, limit int) (oplog.SyncResult, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return oplog.SyncResult{}, &oplog.ValidationError{Field: "projectId", Reason: "is required"}
	}
	if since < 0 {
		return oplog.SyncResult{}, &oplog.ValidationError{Field: "lastKnownVersion", Reason: "must not be negative"}
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	return s.log.SinceVersion(ctx, projectID, since, limit)
}

// DefaultLimit is the window used when a request names none.
func (s *Syncer) DefaultLimit() int { return s.defaultLimit }
