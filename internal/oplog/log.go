// Package oplog is the append-only, per-project operation log.
//
// Every project has one total order of operations and a version counter that
// grows by exactly one per accepted operation. Clearing a log never resets the
// counter, so a client holding an old version can always detect that it is
// behind.
package oplog

import (
	"context"
)

// DefaultLimit applies when a query passes a non-positive limit.
const DefaultLimit = 100

// Log is implemented by the Redis and Postgres backends. All methods are safe
// for concurrent use by many connections and many server processes.
type Log interface {
	// Append assigns id, timestamp and the next version, then records the
	// operation in the project log, its file index and the export feed.
	Append(ctx context.Context, in Input) (Operation, error)

	// ListByProject returns at most limit of the most recent operations,
	// oldest first.
	ListByProject(ctx context.Context, projectID string, limit int) ([]Operation, error)
	ListByFile(ctx context.Context, projectID, file string, limit int) ([]Operation, error)
	// Files lists the files that have operations in the project log.
	Files(ctx context.Context, projectID string) ([]string, error)

	// CurrentVersion is 0 for a project that never received an operation.
	CurrentVersion(ctx context.Context, projectID string) (int64, error)

	// SinceVersion filters the most recent limit operations down to those
	// newer than since. It is a bounded query: check SyncResult.Complete
	// before assuming nothing was missed.
	SinceVersion(ctx context.Context, projectID string, since int64, limit int) (SyncResult, error)

	// All returns the export feed, oldest first.
	All(ctx context.Context, limit int) ([]Operation, error)
	// Clear drops the project log and its file indexes. The version counter
	// is untouched.
	Clear(ctx context.Context, projectID string) error
	// ClearAll flushes the export feed. Project logs and counters are untouched.
	ClearAll(ctx context.Context) error

	SaveSnapshot(ctx context.Context, projectID, file, content string) (Snapshot, error)
	Snapshot(ctx context.Context, projectID, file string) (Snapshot, error)

	Ping(ctx context.Context) error
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// window turns an ascending list of recent operations into a sync result.
func window(recent []Operation, since, current int64) SyncResult {
	ops := make([]Operation, 0, len(recent))
	for _, op := range recent {
		if op.Version > since {
			ops = append(ops, op)
		}
	}

	if n := len(ops); n > 0 && ops[n-1].Version > current {
		// An append landed between the two reads.
		current = ops[n-1].Version
	}

	res := SyncResult{Operations: ops, CurrentVersion: current}
	if current <= since {
		res.Complete = true
		return res
	}
	if int64(len(ops)) != current-since {
		return res
	}
	for i, op := range ops {
		if op.Version != since+int64(i)+1 {
			return res
		}
	}
	res.Complete = true
	return res
}

func reverse(ops []Operation) {
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
}
