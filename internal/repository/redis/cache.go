package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"animestream/internal/domain"
)

const (
	recordKeyPrefix = "animestream:torrent:"
	recentKey       = "animestream:torrents:recent"
)

// Cache stores torrent records as JSON strings and keeps a sorted set of ids
// scored by last update for recency listing. Records expire after ttl; their
// ids are pruned from the set lazily.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func recordKey(id domain.TorrentID) string {
	return recordKeyPrefix + string(id)
}

func (c *Cache) Save(ctx context.Context, record domain.TorrentRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	score := float64(record.UpdatedAt.UnixMilli())

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(record.ID), data, c.ttl)
		pipe.ZAdd(ctx, recentKey, redis.Z{Score: score, Member: string(record.ID)})
		if c.ttl > 0 {
			cutoff := record.UpdatedAt.Add(-c.ttl).UnixMilli()
			pipe.ZRemRangeByScore(ctx, recentKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	return err
}

func (c *Cache) Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	data, err := c.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TorrentRecord{}, domain.ErrNotFound
		}
		return domain.TorrentRecord{}, err
	}
	return decodeRecord(data)
}

func (c *Cache) Delete(ctx context.Context, id domain.TorrentID) error {
	var del *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, recordKey(id))
		pipe.ZRem(ctx, recentKey, string(id))
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns up to limit records, newest first. Ids whose record has
// expired are dropped from the recency set on the way.
func (c *Cache) ListRecent(ctx context.Context, limit int) ([]domain.TorrentRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := c.client.ZRevRange(ctx, recentKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.TorrentRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(domain.TorrentID(id))
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records, stale := collectRecords(ids, values)
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		// Best effort; a failed prune is retried on the next listing.
		_ = c.client.ZRem(ctx, recentKey, members...).Err()
	}
	return records, nil
}

// collectRecords pairs MGET results with their ids. Missing or undecodable
// values are reported as stale.
func collectRecords(ids []string, values []interface{}) ([]domain.TorrentRecord, []string) {
	records := make([]domain.TorrentRecord, 0, len(values))
	var stale []string
	for i, value := range values {
		if i >= len(ids) {
			break
		}
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		records = append(records, record)
	}
	return records, stale
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// encodeRecord drops per-file progress; it is live swarm state.
func encodeRecord(record domain.TorrentRecord) ([]byte, error) {
	files := make([]domain.FileRef, len(record.Files))
	for i, f := range record.Files {
		f.BytesCompleted = 0
		files[i] = f
	}
	record.Files = files
	return json.Marshal(record)
}

func decodeRecord(data []byte) (domain.TorrentRecord, error) {
	var record domain.TorrentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.TorrentRecord{}, fmt.Errorf("decode cached torrent: %w", err)
	}
	return record, nil
}
