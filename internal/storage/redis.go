package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis server, for agents that share a ledger
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Close closes the redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// IsProcessed reports whether key already completed task
func (s *RedisStore) IsProcessed(ctx context.Context, key, task string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("processed", task), key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return ok, nil
}

// MarkProcessed records key as done for task
func (s *RedisStore) MarkProcessed(ctx context.Context, key, task string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.key("tasks"), task)
		pipe.SAdd(ctx, s.key("processed", task), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// RecordMove stores an applied move
func (s *RedisStore) RecordMove(ctx context.Context, move *Move) error {
	if move.MovedAt.IsZero() {
		move.MovedAt = time.Now()
	}
	move.MovedAt = move.MovedAt.UTC()

	data, err := json.Marshal(move)
	if err != nil {
		return fmt.Errorf("failed to encode move: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("moved_to"), move.Key, move.Destination)
		pipe.HIncrBy(ctx, s.key("moves_by_folder"), move.Destination, 1)
		pipe.RPush(ctx, s.key("moves"), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record move: %w", err)
	}
	return nil
}

// MovedTo returns the last folder key was moved to
func (s *RedisStore) MovedTo(ctx context.Context, key string) (string, bool, error) {
	folder, err := s.client.HGet(ctx, s.key("moved_to"), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up move: %w", err)
	}
	return folder, true, nil
}

// SaveRun stores a finished run
func (s *RedisStore) SaveRun(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("run", run.ID), "data", string(data))
		pipe.ZAdd(ctx, s.key("runs"), redis.Z{Score: float64(run.FinishedAt.Unix()), Member: run.ID})
		pipe.IncrBy(ctx, s.key("failures"), int64(run.Failed))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (s *RedisStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.ZRevRange(ctx, s.key("runs"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGet(ctx, s.key("run", id), "data").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", id, err)
		}
		var run Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// Stats returns aggregate history
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ProcessedByTask: make(map[string]int),
		MovesByFolder:   make(map[string]int),
	}

	runs, err := s.client.ZCard(ctx, s.key("runs")).Result()
	if err != nil {
		return nil, err
	}
	stats.Runs = int(runs)

	failures, err := s.client.Get(ctx, s.key("failures")).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	stats.Failures = failures

	moves, err := s.client.LLen(ctx, s.key("moves")).Result()
	if err != nil {
		return nil, err
	}
	stats.Moves = int(moves)

	tasks, err := s.client.SMembers(ctx, s.key("tasks")).Result()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		n, err := s.client.SCard(ctx, s.key("processed", task)).Result()
		if err != nil {
			return nil, err
		}
		stats.ProcessedByTask[task] = int(n)
	}

	byFolder, err := s.client.HGetAll(ctx, s.key("moves_by_folder")).Result()
	if err != nil {
		return nil, err
	}
	for folder, v := range byFolder {
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			stats.MovesByFolder[folder] = n
		}
	}

	last, err := s.client.ZRevRangeWithScores(ctx, s.key("runs"), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		t := time.Unix(int64(last[0].Score), 0).UTC()
		stats.LastRunAt = &t
	}

	return stats, nil
}
