package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	triggersKey   = "jobs:triggers"
	triggerPrefix = "trigger_"
)

// Job is the durable envelope persisted for one scheduled unit of work.
// The key is deterministic per (kind, task, recipient), so at most one
// live job can exist for that triple at any time.
type Job struct {
	Key     string            `json:"key"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
	FireAt  time.Time         `json:"fire_at"`
}

// Store keeps job envelopes and their fire-time triggers in Redis.
// Envelopes live as plain string values under the job key; triggers live
// as `trigger_{key}` members of a single sorted set scored by fire-at.
type Store struct {
	client  *redis.Client
	deadKey string
}

// New builds a store on an existing Redis client.
func New(client *redis.Client, deadLetterKey string) *Store {
	if deadLetterKey == "" {
		deadLetterKey = "jobs:dead"
	}
	return &Store{client: client, deadKey: deadLetterKey}
}

// Put upserts the envelope and its trigger in one transaction. ZADD
// replaces the score of an existing trigger member, which is what keeps
// the one-live-trigger-per-key invariant.
func (s *Store) Put(ctx context.Context, key, kind string, payload map[string]string, fireAt time.Time) error {
	env, err := json.Marshal(Job{Key: key, Kind: kind, Payload: payload, FireAt: fireAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", key, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, env, 0)
	pipe.ZAdd(ctx, triggersKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: triggerPrefix + key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put job %s: %w", key, err)
	}
	return nil
}

// Delete removes the envelope and trigger. Absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, triggersKey, triggerPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a live envelope is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Get loads the envelope for key. The second return is false when the job
// is gone (cancelled or already executed).
func (s *Store) Get(ctx context.Context, key string) (Job, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("get job %s: %w", key, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job %s: %w", key, err)
	}
	return job, true, nil
}

// KeysWithPrefix scans the keyspace for job keys starting with prefix.
// Used to bulk-cancel every job belonging to one logical task.
func (s *Store) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Due returns job keys whose fire-at has elapsed, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, triggersKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due triggers: %w", err)
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, strings.TrimPrefix(m, triggerPrefix))
	}
	return keys, nil
}

// Claim atomically removes the trigger for key. Exactly one caller
// observes true per trigger, so a due job is dispatched once even with
// concurrent dispatchers.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	n, err := s.client.ZRem(ctx, triggersKey, triggerPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("claim trigger %s: %w", key, err)
	}
	return n == 1, nil
}

// TriggerDepth counts pending triggers, for the depth gauge.
func (s *Store) TriggerDepth(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, triggersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("trigger depth: %w", err)
	}
	return n, nil
}

type deadLetter struct {
	Key    string    `json:"key"`
	Reason string    `json:"reason"`
	FailAt time.Time `json:"failed_at"`
}

// DeadLetter records a failed job for operational inspection. Failed jobs
// are never retried automatically.
func (s *Store) DeadLetter(ctx context.Context, key, reason string) error {
	entry, err := json.Marshal(deadLetter{Key: key, Reason: reason, FailAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", key, err)
	}
	if err := s.client.RPush(ctx, s.deadKey, entry).Err(); err != nil {
		return fmt.Errorf("push dead letter %s: %w", key, err)
	}
	return nil
}

// DeadLetters reads up to count recent dead-lettered entries.
func (s *Store) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	items, err := s.client.LRange(ctx, s.deadKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	return items, nil
}
