// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage is the optional Storage adapter backed by Redis: a sorted set
// per queue orders ready jobs by (priority, sequence), a second sorted set
// holds delayed (retry-backoff) jobs keyed by their notBefore instant, and a
// hash holds the job records themselves. It trades the in-process heap's
// strict ordering guarantees for durability across restarts; like the
// teacher's list-based backend this is a best-effort implementation, not a
// transactional one (no Lua scripting), since the engine's own
// per-queue-instance dispatch loop is the only reader of any given queue's
// ready set at a time.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage returns a Storage adapter over an existing Redis client.
// prefix namespaces all keys (e.g. "jobqueue", also the default when prefix
// is empty); keys take the form <prefix>:<queue>:<suffix>.
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "jobqueue"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) readyKey(queue string) string  { return fmt.Sprintf("%s:%s:ready", r.prefix, queue) }
func (r *RedisStorage) delayKey(queue string) string  { return fmt.Sprintf("%s:%s:delayed", r.prefix, queue) }
func (r *RedisStorage) jobsKey(queue string) string   { return fmt.Sprintf("%s:%s:jobs", r.prefix, queue) }
func (r *RedisStorage) seqKey(queue string) string    { return fmt.Sprintf("%s:%s:seq", r.prefix, queue) }
func (r *RedisStorage) statsKey(queue string) string  { return fmt.Sprintf("%s:%s:stats", r.prefix, queue) }
func (r *RedisStorage) seqOfKey(queue string) string  { return fmt.Sprintf("%s:%s:seqof", r.prefix, queue) }
func (r *RedisStorage) indexKey() string              { return r.prefix + ":job-queue-index" }

func (r *RedisStorage) Connect(ctx context.Context) error { return r.client.Ping(ctx).Err() }
func (r *RedisStorage) Disconnect(ctx context.Context) error {
	return r.client.Close()
}
func (r *RedisStorage) HealthCheck(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// score orders the ready set by descending priority, ascending sequence:
// higher priority sorts first (more negative), ties break FIFO by sequence.
func score(priority int, seq int64) float64 {
	return float64(-priority)*1e13 + float64(seq)
}

func (r *RedisStorage) Enqueue(ctx context.Context, queueName string, job *Job) error {
	return r.EnqueueAt(ctx, queueName, job, time.Time{})
}

func (r *RedisStorage) EnqueueAt(ctx context.Context, queueName string, job *Job, notBefore time.Time) error {
	if err := r.store(ctx, queueName, job, notBefore, true); err != nil {
		return err
	}
	r.client.HIncrBy(ctx, r.statsKey(queueName), "total", 1)
	r.client.HIncrBy(ctx, r.statsKey(queueName), "queued", 1)
	return nil
}

func (r *RedisStorage) Requeue(ctx context.Context, queueName string, job *Job, notBefore time.Time) error {
	return r.store(ctx, queueName, job, notBefore, false)
}

func (r *RedisStorage) store(ctx context.Context, queueName string, job *Job, notBefore time.Time, isNew bool) error {
	seq, err := r.client.Incr(ctx, r.seqKey(queueName)).Result()
	if err != nil {
		return fmt.Errorf("redis storage: allocate sequence: %w", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis storage: marshal job: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.jobsKey(queueName), job.ID, data)
	pipe.HSet(ctx, r.seqOfKey(queueName), job.ID, seq)
	pipe.HSet(ctx, r.indexKey(), job.ID, queueName)
	if !notBefore.IsZero() && notBefore.After(time.Now()) {
		pipe.ZAdd(ctx, r.delayKey(queueName), redis.Z{Score: float64(notBefore.UnixNano()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, r.readyKey(queueName), redis.Z{Score: score(job.Priority, seq), Member: job.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// promoteDue moves any delayed entries whose notBefore has elapsed into the
// ready set, using each entry's originally allocated sequence so FIFO order
// among already-delayed retries is preserved.
func (r *RedisStorage) promoteDue(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	due, err := r.client.ZRangeByScore(ctx, r.delayKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	for _, id := range due {
		job, err := r.getJobFrom(ctx, queueName, id)
		if err != nil || job == nil {
			r.client.ZRem(ctx, r.delayKey(queueName), id)
			continue
		}
		seqStr, err := r.client.HGet(ctx, r.seqOfKey(queueName), id).Result()
		seq, _ := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			seq, _ = r.client.Incr(ctx, r.seqKey(queueName)).Result()
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.delayKey(queueName), id)
		pipe.ZAdd(ctx, r.readyKey(queueName), redis.Z{Score: score(job.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStorage) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := r.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}
	popped, err := r.client.ZPopMin(ctx, r.readyKey(queueName), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)
	return r.getJobFrom(ctx, queueName, id)
}

func (r *RedisStorage) Peek(ctx context.Context, queueName string) (*Job, error) {
	if err := r.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}
	top, err := r.client.ZRangeWithScores(ctx, r.readyKey(queueName), 0, 0).Result()
	if err != nil || len(top) == 0 {
		return nil, err
	}
	id, _ := top[0].Member.(string)
	return r.getJobFrom(ctx, queueName, id)
}

func (r *RedisStorage) getJobFrom(ctx context.Context, queueName, id string) (*Job, error) {
	raw, err := r.client.HGet(ctx, r.jobsKey(queueName), id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("redis storage: unmarshal job: %w", err)
	}
	return &job, nil
}

func (r *RedisStorage) FindQueue(ctx context.Context, id string) (string, bool) {
	name, err := r.client.HGet(ctx, r.indexKey(), id).Result()
	if err != nil {
		return "", false
	}
	return name, true
}

func (r *RedisStorage) resolveQueue(ctx context.Context, id, queueName string) (string, bool) {
	if queueName != "" {
		return queueName, true
	}
	return r.FindQueue(ctx, id)
}

func (r *RedisStorage) GetJob(ctx context.Context, id string, queueName string) (*Job, error) {
	name, ok := r.resolveQueue(ctx, id, queueName)
	if !ok {
		return nil, nil
	}
	return r.getJobFrom(ctx, name, id)
}

func (r *RedisStorage) ListJobs(ctx context.Context, queueName string, filters ListFilters) ([]*Job, error) {
	raw, err := r.client.HGetAll(ctx, r.jobsKey(queueName)).Result()
	if err != nil {
		return nil, err
	}
	all := make([]*Job, 0, len(raw))
	for _, v := range raw {
		var job Job
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			continue
		}
		if filters.Status != "" && job.Status != filters.Status {
			continue
		}
		if filters.JobType != "" && job.Type != filters.JobType {
			continue
		}
		all = append(all, &job)
	}

	sortBy := filters.SortBy
	if sortBy == "" {
		sortBy = SortByQueuedAt
	}
	desc := filters.SortOrder == SortDesc
	less := func(a, b *Job) bool {
		switch sortBy {
		case SortByPriority:
			return a.Priority < b.Priority
		case SortByStatus:
			return a.Status < b.Status
		default:
			return a.QueuedAt.Before(b.QueuedAt)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if desc {
			return less(all[j], all[i])
		}
		return less(all[i], all[j])
	})

	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*Job{}, nil
	}
	end := len(all)
	if filters.Limit > 0 && offset+filters.Limit < end {
		end = offset + filters.Limit
	}
	return all[offset:end], nil
}

func (r *RedisStorage) UpdateJob(ctx context.Context, id string, queueName string, patch JobPatch) (*Job, error) {
	name, ok := r.resolveQueue(ctx, id, queueName)
	if !ok {
		return nil, newErr(KindNotFound, "", "job %s not found", id)
	}
	job, err := r.getJobFrom(ctx, name, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, newErr(KindNotFound, "", "job %s not found", id)
	}

	prevStatus := job.Status
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ProgressMessage != nil {
		job.ProgressMessage = *patch.ProgressMessage
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	if patch.Retries != nil {
		job.Retries = *patch.Retries
	}
	if patch.SetResult {
		job.Result = patch.Result
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	if patch.NotBefore != nil {
		job.NotBefore = *patch.NotBefore
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := r.client.HSet(ctx, r.jobsKey(name), job.ID, data).Err(); err != nil {
		return nil, err
	}
	if patch.Status != nil && *patch.Status != prevStatus {
		r.adjustStats(ctx, name, prevStatus, *patch.Status)
	}
	return job, nil
}

func (r *RedisStorage) RemoveJob(ctx context.Context, id string, queueName string) (bool, error) {
	name, ok := r.resolveQueue(ctx, id, queueName)
	if !ok {
		return false, nil
	}
	job, err := r.getJobFrom(ctx, name, id)
	if err != nil || job == nil {
		return false, err
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.jobsKey(name), id)
	pipe.HDel(ctx, r.seqOfKey(name), id)
	pipe.HDel(ctx, r.indexKey(), id)
	pipe.ZRem(ctx, r.readyKey(name), id)
	pipe.ZRem(ctx, r.delayKey(name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	r.removeFromStats(ctx, name, job.Status)
	r.client.HIncrBy(ctx, r.statsKey(name), "total", -1)
	return true, nil
}

func (r *RedisStorage) CancelQueued(ctx context.Context, id string, queueName string) (bool, error) {
	name, ok := r.resolveQueue(ctx, id, queueName)
	if !ok {
		return false, nil
	}
	job, err := r.getJobFrom(ctx, name, id)
	if err != nil || job == nil || job.Status != StatusQueued {
		return false, err
	}
	removed, err := r.client.ZRem(ctx, r.readyKey(name), id).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		removed, err = r.client.ZRem(ctx, r.delayKey(name), id).Result()
		if err != nil {
			return false, err
		}
	}
	if removed == 0 {
		return false, nil
	}
	now := time.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := r.client.HSet(ctx, r.jobsKey(name), job.ID, data).Err(); err != nil {
		return false, err
	}
	r.adjustStats(ctx, name, StatusQueued, StatusCancelled)
	return true, nil
}

func (r *RedisStorage) GetQueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	raw, err := r.client.HGetAll(ctx, r.statsKey(queueName)).Result()
	if err != nil {
		return QueueStats{}, err
	}
	get := func(k string) int {
		n, _ := strconv.Atoi(raw[k])
		return n
	}
	return QueueStats{
		Total:     get("total"),
		Queued:    get("queued"),
		Running:   get("running"),
		Completed: get("completed"),
		Failed:    get("failed"),
		Cancelled: get("cancelled"),
	}, nil
}

func statField(st Status) string {
	switch st {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return ""
	}
}

func (r *RedisStorage) adjustStats(ctx context.Context, queueName string, from, to Status) {
	r.removeFromStats(ctx, queueName, from)
	if f := statField(to); f != "" {
		r.client.HIncrBy(ctx, r.statsKey(queueName), f, 1)
	}
}

func (r *RedisStorage) removeFromStats(ctx context.Context, queueName string, st Status) {
	if f := statField(st); f != "" {
		r.client.HIncrBy(ctx, r.statsKey(queueName), f, -1)
	}
}

// ReclaimStale resets jobs stuck in `running` for longer than olderThan back
// to `queued`. Mirrors MemoryStorage.ReclaimStale; not part of the Storage
// interface, consulted through an optional-capability type assertion by
// Service.ReclaimStale.
func (r *RedisStorage) ReclaimStale(queueName string, olderThan time.Duration) int {
	ctx := context.Background()
	raw, err := r.client.HGetAll(ctx, r.jobsKey(queueName)).Result()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for id, v := range raw {
		var job Job
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			continue
		}
		if job.Status != StatusRunning || job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		job.Status = StatusQueued
		job.Progress = 0
		data, err := json.Marshal(&job)
		if err != nil {
			continue
		}
		seq, err := r.client.Incr(ctx, r.seqKey(queueName)).Result()
		if err != nil {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.jobsKey(queueName), id, data)
		pipe.ZAdd(ctx, r.readyKey(queueName), redis.Z{Score: score(job.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		r.adjustStats(ctx, queueName, StatusRunning, StatusQueued)
		n++
	}
	return n
}
