// Package redis publishes presence and ended-call history to Redis. Nothing
// in the relay reads these keys back to make routing decisions; live call
// state stays in memory.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	onlineKey        = "signaling:online"
	presencePrefix   = "signaling:presence:"
	historyPrefix    = "signaling:calls:"
	presenceTTL      = 24 * time.Hour
	historyTTL       = 7 * 24 * time.Hour
	historyMaxLength = 50
	offlineRetries   = 3
)

// Store wraps a go-redis client
type Store struct {
	client *redis.Client
}

// Connect initializes the Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := &Store{client: client}
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info().Str("module", "redis").Str("addr", cfg.Addr()).Int("db", cfg.DB).Msg("connected")
	return s, nil
}

// NewStore wraps an existing client
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MarkOnline records that userID holds connection connID.
func (s *Store) MarkOnline(ctx context.Context, userID, connID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, onlineKey, userID)
		pipe.Set(ctx, presenceKey(userID), connID, presenceTTL)
		return nil
	})
	return err
}

// MarkOffline clears userID's presence, but only if connID is still the
// connection on record. A superseded connection closing late must not take
// its replacement offline. The presence key is watched so a MarkOnline landing
// between the check and the delete aborts the transaction.
func (s *Store) MarkOffline(ctx context.Context, userID, connID string) error {
	key := presenceKey(userID)
	release := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case current != connID:
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, onlineKey, userID)
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < offlineRetries; i++ {
		err := s.client.Watch(ctx, release, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.Debug().Str("module", "redis").Str("user", userID).Msg("presence changed during mark offline, retrying")
	}
	return redis.TxFailedErr
}

// OnlineCount returns how many users are marked online
func (s *Store) OnlineCount(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, onlineKey).Result()
}

// RecordCall prepends rec to both participants' history lists.
func (s *Store) RecordCall(ctx context.Context, rec models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range []string{rec.CallerID, rec.CalleeID} {
			key := historyKey(userID)
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, historyMaxLength-1)
			pipe.Expire(ctx, key, historyTTL)
		}
		return nil
	})
	return err
}

// History returns up to limit of userID's most recent ended calls, newest
// first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > historyMaxLength {
		limit = historyMaxLength
	}
	raw, err := s.client.LRange(ctx, historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return decodeHistory(raw), nil
}

func decodeHistory(raw []string) []models.CallRecord {
	records := make([]models.CallRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.CallRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			log.Warn().Err(err).Str("module", "redis").Msg("skipping malformed call record")
			continue
		}
		records = append(records, rec)
	}
	return records
}

func presenceKey(userID string) string { return presencePrefix + userID }

func historyKey(userID string) string { return historyPrefix + userID }
