package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTrackerKeyPrefix = "gema:processing"

// RedisProcessingTracker shares processing records across API instances.
// Each record is a JSON value expiring at the end of the retention window;
// a sorted set per submission indexes its handles by creation time.
type RedisProcessingTracker struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRedisProcessingTracker constructs a tracker backed by Redis.
func NewRedisProcessingTracker(client redis.UniversalClient, retention time.Duration, logger zerolog.Logger) *RedisProcessingTracker {
	if retention <= 0 {
		retention = time.Hour
	}

	return &RedisProcessingTracker{
		client:    client,
		prefix:    defaultTrackerKeyPrefix,
		retention: retention,
		logger:    logger.With().Str("component", "redis_processing_tracker").Logger(),
		now:       time.Now,
	}
}

func (t *RedisProcessingTracker) recordKey(handle string) string {
	return fmt.Sprintf("%s:record:%s", t.prefix, handle)
}

func (t *RedisProcessingTracker) indexKey(submissionID uint) string {
	return fmt.Sprintf("%s:submission:%d", t.prefix, submissionID)
}

func (t *RedisProcessingTracker) submissionsKey() string {
	return t.prefix + ":submissions"
}

func (t *RedisProcessingTracker) ttl(record ProcessingRecord) time.Duration {
	return t.retention - t.now().Sub(record.CreatedAt)
}

func (t *RedisProcessingTracker) Begin(ctx context.Context, handle string) (ProcessingRecord, error) {
	record, err := newProcessingRecord(handle, t.now())
	if err != nil {
		return ProcessingRecord{}, err
	}

	ttl := t.ttl(record)
	if ttl <= 0 {
		return ProcessingRecord{}, fmt.Errorf("%w: %s is older than retention", ErrProcessingRecordNotFound, handle)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return ProcessingRecord{}, err
	}

	indexKey := t.indexKey(record.SubmissionID)
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, t.recordKey(handle), payload, ttl)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: indexScore(record.CreatedAt), Member: handle})
		pipe.Expire(ctx, indexKey, t.retention)
		pipe.SAdd(ctx, t.submissionsKey(), record.SubmissionID)
		return nil
	})
	if err != nil {
		return ProcessingRecord{}, fmt.Errorf("register processing record: %w", err)
	}

	return record, nil
}

func (t *RedisProcessingTracker) Advance(ctx context.Context, handle string, phase ProcessingPhase, progress int) error {
	return t.update(ctx, handle, func(record *ProcessingRecord) {
		record.Phase = phase
		record.Progress = progress
		record.Error = ""
	})
}

func (t *RedisProcessingTracker) Fail(ctx context.Context, handle string, message string) error {
	return t.update(ctx, handle, func(record *ProcessingRecord) {
		record.Phase = PhaseError
		record.Progress = 0
		record.Error = message
	})
}

// update is a read-modify-write without WATCH; only the run owning the
// handle writes to it.
func (t *RedisProcessingTracker) update(ctx context.Context, handle string, mutate func(*ProcessingRecord)) error {
	record, err := t.get(ctx, handle)
	if err != nil {
		return err
	}

	mutate(&record)
	record.UpdatedAt = t.now()

	ttl := t.ttl(record)
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrProcessingRecordNotFound, handle)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	if err := t.client.Set(ctx, t.recordKey(handle), payload, ttl).Err(); err != nil {
		return fmt.Errorf("update processing record: %w", err)
	}
	return nil
}

func (t *RedisProcessingTracker) get(ctx context.Context, handle string) (ProcessingRecord, error) {
	raw, err := t.client.Get(ctx, t.recordKey(handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ProcessingRecord{}, fmt.Errorf("%w: %s", ErrProcessingRecordNotFound, handle)
		}
		return ProcessingRecord{}, fmt.Errorf("read processing record: %w", err)
	}

	var record ProcessingRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ProcessingRecord{}, fmt.Errorf("decode processing record: %w", err)
	}
	return record, nil
}

func (t *RedisProcessingTracker) Lookup(ctx context.Context, submissionID uint) (ProcessingRecord, bool, error) {
	indexKey := t.indexKey(submissionID)
	if err := t.trimIndex(ctx, indexKey, t.now()); err != nil {
		return ProcessingRecord{}, false, err
	}

	handles, err := t.client.ZRevRange(ctx, indexKey, 0, 0).Result()
	if err != nil {
		return ProcessingRecord{}, false, fmt.Errorf("read processing index: %w", err)
	}
	if len(handles) == 0 {
		return ProcessingRecord{}, false, nil
	}

	record, err := t.get(ctx, handles[0])
	if err != nil {
		if errors.Is(err, ErrProcessingRecordNotFound) {
			return ProcessingRecord{}, false, nil
		}
		return ProcessingRecord{}, false, err
	}
	return record, true, nil
}

func (t *RedisProcessingTracker) trimIndex(ctx context.Context, indexKey string, now time.Time) error {
	cutoff := indexCutoff(now.Add(-t.retention))
	if err := t.client.ZRemRangeByScore(ctx, indexKey, "-inf", cutoff).Err(); err != nil {
		return fmt.Errorf("trim processing index: %w", err)
	}
	return nil
}

// Evict removes stale handles from every submission index and the matching
// record keys. Records also expire on their own through their TTL.
func (t *RedisProcessingTracker) Evict(ctx context.Context, now time.Time) (int, error) {
	members, err := t.client.SMembers(ctx, t.submissionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list tracked submissions: %w", err)
	}

	cutoff := indexCutoff(now.Add(-t.retention))
	removed := 0
	for _, member := range members {
		id, err := strconv.ParseUint(member, 10, strconv.IntSize)
		if err != nil {
			t.logger.Warn().Str("member", member).Msg("dropping malformed submission index entry")
			t.forgetSubmission(ctx, member)
			continue
		}

		indexKey := t.indexKey(uint(id))
		stale, err := t.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("read processing index: %w", err)
		}

		if len(stale) > 0 {
			keys := make([]string, 0, len(stale))
			for _, handle := range stale {
				keys = append(keys, t.recordKey(handle))
			}
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return removed, fmt.Errorf("delete processing records: %w", err)
			}
			if err := t.client.ZRemRangeByScore(ctx, indexKey, "-inf", cutoff).Err(); err != nil {
				return removed, fmt.Errorf("trim processing index: %w", err)
			}
			removed += len(stale)
		}

		remaining, err := t.client.ZCard(ctx, indexKey).Result()
		if err != nil {
			return removed, fmt.Errorf("count processing index: %w", err)
		}
		if remaining == 0 {
			t.forgetSubmission(ctx, member)
		}
	}

	return removed, nil
}

func (t *RedisProcessingTracker) forgetSubmission(ctx context.Context, member string) {
	if err := t.client.SRem(ctx, t.submissionsKey(), member).Err(); err != nil {
		t.logger.Warn().Err(err).Str("member", member).Msg("failed to drop submission from processing index")
	}
}

// indexScore orders handles by creation time in microseconds, which a float64
// score holds exactly. Handles minted within the same microsecond share a score
// and fall back to member order; handles of one submission have equal length,
// so lexicographic order matches the embedded nanosecond timestamp.
func indexScore(createdAt time.Time) float64 {
	return float64(createdAt.UnixMicro())
}

// indexCutoff is the exclusive upper bound for scores older than threshold.
func indexCutoff(threshold time.Time) string {
	return "(" + strconv.FormatInt(threshold.UnixMicro(), 10)
}
