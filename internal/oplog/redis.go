package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabtext/server/internal/logging"
)

// Key layout, where {p} is the project id prefixed with its byte length
// ("3:a:b" for project "a:b") so ids containing ':' cannot reach another
// project's keys:
//
//	operations                     export feed (LPUSH, newest first)
//	operations:{p}                 project log
//	operations:{p}:{file}          per-file index
//	files:{p}                      set of files with operations
//	version:{p}                    version counter (INCR)
//	timestamp:{p}                  last assigned timestamp
//	snapshot:{p}:{file}            latest snapshot JSON
const feedKey = "operations"

func scoped(prefix, projectID string) string {
	return prefix + ":" + strconv.Itoa(len(projectID)) + ":" + projectID
}

func projectKey(projectID string) string { return scoped("operations", projectID) }
func fileKey(projectID, file string) string { return scoped("operations", projectID) + ":" + file }
func filesKey(projectID string) string { return scoped("files", projectID) }
func versionKey(projectID string) string { return scoped("version", projectID) }
func timestampKey(projectID string) string { return scoped("timestamp", projectID) }
func snapshotKey(projectID, file string) string { return scoped("snapshot", projectID) + ":" + file }

// appendScript bumps the counter, clamps the timestamp so it never goes
// backwards within a project, and writes the record to every list in one
// atomic step. The record JSON is assembled around the two values only the
// script knows.
var appendScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
local ts = tonumber(ARGV[1])
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if last > ts then ts = last end
redis.call('SET', KEYS[2], ts)
local rec = ARGV[2] .. ts .. ARGV[3] .. v .. ARGV[4]
redis.call('LPUSH', KEYS[3], rec)
redis.call('LPUSH', KEYS[4], rec)
redis.call('LPUSH', KEYS[5], rec)
redis.call('SADD', KEYS[6], ARGV[5])
return {v, ts}
`)

// RedisLog stores the log in Redis lists. The counter relies on Redis'
// single-threaded script execution, so any number of server processes can
// append to the same project.
//
// The append script writes the shared export feed and per-project keys
// together, so the log needs a single-node or sentinel deployment; Redis
// Cluster would reject it with CROSSSLOT.
type RedisLog struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisLog takes a *redis.Client (plain or redis.NewFailoverClient).
func NewRedisLog(rdb *redis.Client) *RedisLog {
	return &RedisLog{rdb: rdb, now: time.Now}
}

// recordHead is the part of the stored JSON known before the script runs.
type recordHead struct {
	ID        string `json:"id"`
	Type      OpType `json:"type"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	ProjectID string `json:"projectId"`
}

func (l *RedisLog) Append(ctx context.Context, in Input) (Operation, error) {
	if err := in.Normalize(); err != nil {
		return Operation{}, err
	}

	head := recordHead{
		ID:        uuid.NewString(),
		Type:      in.Type,
		File:      in.File,
		Line:      in.Line,
		Column:    in.Column,
		Text:      in.Text,
		Author:    in.Author,
		ProjectID: in.ProjectID,
	}
	raw, err := json.Marshal(head)
	if err != nil {
		return Operation{}, fmt.Errorf("encode operation: %w", err)
	}
	prefix := string(raw[:len(raw)-1]) + `,"timestamp":`

	keys := []string{
		versionKey(in.ProjectID),
		timestampKey(in.ProjectID),
		feedKey,
		projectKey(in.ProjectID),
		fileKey(in.ProjectID, in.File),
		filesKey(in.ProjectID),
	}
	res, err := appendScript.Run(ctx, l.rdb, keys,
		l.now().UnixMilli(), prefix, `,"version":`, `}`, in.File).Int64Slice()
	if err != nil {
		return Operation{}, unavailable("append", err)
	}
	if len(res) != 2 {
		return Operation{}, unavailable("append", fmt.Errorf("unexpected script reply %v", res))
	}

	op := Operation{
		ID:        head.ID,
		Type:      head.Type,
		File:      head.File,
		Line:      head.Line,
		Column:    head.Column,
		Text:      head.Text,
		Author:    head.Author,
		ProjectID: head.ProjectID,
		Timestamp: res[1],
		Version:   res[0],
	}
	logging.Debug().
		Str("projectId", op.ProjectID).
		Str("file", op.File).
		Int64("version", op.Version).
		Msg("operation appended")
	return op, nil
}

func (l *RedisLog) ListByProject(ctx context.Context, projectID string, limit int) ([]Operation, error) {
	return l.list(ctx, projectKey(projectID), limit)
}

func (l *RedisLog) ListByFile(ctx context.Context, projectID, file string, limit int) ([]Operation, error) {
	return l.list(ctx, fileKey(projectID, file), limit)
}

func (l *RedisLog) All(ctx context.Context, limit int) ([]Operation, error) {
	return l.list(ctx, feedKey, limit)
}

func (l *RedisLog) list(ctx context.Context, key string, limit int) ([]Operation, error) {
	raw, err := l.rdb.LRange(ctx, key, 0, int64(normLimit(limit))-1).Result()
	if err != nil {
		return nil, unavailable("list "+key, err)
	}

	ops := make([]Operation, 0, len(raw))
	for _, s := range raw {
		var op Operation
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping undecodable operation record")
			continue
		}
		ops = append(ops, op)
	}
	reverse(ops)
	return ops, nil
}

func (l *RedisLog) Files(ctx context.Context, projectID string) ([]string, error) {
	files, err := l.rdb.SMembers(ctx, filesKey(projectID)).Result()
	if err != nil {
		return nil, unavailable("files", err)
	}
	sort.Strings(files)
	return files, nil
}

func (l *RedisLog) CurrentVersion(ctx context.Context, projectID string) (int64, error) {
	v, err := l.rdb.Get(ctx, versionKey(projectID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("current version", err)
	}
	return v, nil
}

func (l *RedisLog) SinceVersion(ctx context.Context, projectID string, since int64, limit int) (SyncResult, error) {
	recent, err := l.ListByProject(ctx, projectID, limit)
	if err != nil {
		return SyncResult{}, err
	}
	current, err := l.CurrentVersion(ctx, projectID)
	if err != nil {
		return SyncResult{}, err
	}
	return window(recent, since, current), nil
}

func (l *RedisLog) Clear(ctx context.Context, projectID string) error {
	files, err := l.rdb.SMembers(ctx, filesKey(projectID)).Result()
	if err != nil {
		return unavailable("clear", err)
	}
	keys := []string{projectKey(projectID), filesKey(projectID)}
	for _, f := range files {
		keys = append(keys, fileKey(projectID, f))
	}
	if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("clear", err)
	}
	logging.Info().Str("projectId", projectID).Msg("project operations cleared")
	return nil
}

func (l *RedisLog) ClearAll(ctx context.Context) error {
	if err := l.rdb.Del(ctx, feedKey).Err(); err != nil {
		return unavailable("clear all", err)
	}
	logging.Info().Msg("export feed cleared")
	return nil
}

func (l *RedisLog) SaveSnapshot(ctx context.Context, projectID, file, content string) (Snapshot, error) {
	version, err := l.CurrentVersion(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ProjectID: projectID,
		File:      file,
		Content:   content,
		Timestamp: l.now().UnixMilli(),
		Version:   version,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := l.rdb.Set(ctx, snapshotKey(projectID, file), raw, 0).Err(); err != nil {
		return Snapshot{}, unavailable("save snapshot", err)
	}
	return snap, nil
}

func (l *RedisLog) Snapshot(ctx context.Context, projectID, file string) (Snapshot, error) {
	raw, err := l.rdb.Get(ctx, snapshotKey(projectID, file)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, unavailable("snapshot", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (l *RedisLog) Ping(ctx context.Context) error {
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
