package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix     = "hivewatch:session:"
	defaultCredentialTTL = 8 * time.Hour
	defaultIntentTTL     = 10 * time.Minute
)

// RedisStore keeps the session in Redis so a restart mid-login does not lose
// the pending intent. Both keys expire; nothing here is durable.
type RedisStore struct {
	rdb           redis.UniversalClient
	prefix        string
	credentialTTL time.Duration
	intentTTL     time.Duration
}

type RedisOptions struct {
	KeyPrefix     string
	CredentialTTL time.Duration
	IntentTTL     time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, opts RedisOptions) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	credTTL := opts.CredentialTTL
	if credTTL <= 0 {
		credTTL = defaultCredentialTTL
	}
	intentTTL := opts.IntentTTL
	if intentTTL <= 0 {
		intentTTL = defaultIntentTTL
	}
	return &RedisStore{
		rdb:           rdb,
		prefix:        prefix,
		credentialTTL: credTTL,
		intentTTL:     intentTTL,
	}
}

func (s *RedisStore) credentialKey() string { return s.prefix + "credential" }
func (s *RedisStore) intentKey() string     { return s.prefix + "intent" }

func (s *RedisStore) Credential(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.credentialKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return v, nil
}

func (s *RedisStore) SetCredential(ctx context.Context, credential string) error {
	if err := s.rdb.Set(ctx, s.credentialKey(), credential, s.credentialTTL).Err(); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearCredential(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.credentialKey()).Err(); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (s *RedisStore) SetIntent(ctx context.Context, intent Intent) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.intentKey(), raw, s.intentTTL).Err(); err != nil {
		return fmt.Errorf("store intent: %w", err)
	}
	return nil
}

func (s *RedisStore) ConsumeIntent(ctx context.Context) (Intent, bool, error) {
	raw, err := s.rdb.GetDel(ctx, s.intentKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Intent{}, false, nil
	}
	if err != nil {
		return Intent{}, false, fmt.Errorf("consume intent: %w", err)
	}
	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		// Unreadable intents are dropped rather than retried.
		return Intent{}, false, nil
	}
	return intent, true, nil
}

func (s *RedisStore) ClearIntent(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.intentKey()).Err(); err != nil {
		return fmt.Errorf("clear intent: %w", err)
	}
	return nil
}
