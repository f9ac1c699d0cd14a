package konduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCredentialKey is the Redis key used when none is given.
const DefaultCredentialKey = "konduit:credential"

// RedisCredentialStore keeps the credential in Redis so that separate
// processes (CLI runs, workers) share one session.
type RedisCredentialStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisCredentialStore creates a store on client under key.
func NewRedisCredentialStore(client redis.UniversalClient, key string) *RedisCredentialStore {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &RedisCredentialStore{client: client, key: key}
}

// Load implements CredentialStore.
func (s *RedisCredentialStore) Load(ctx context.Context) (*StoredCredential, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get credential: %w", err)
	}

	var cred StoredCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

// Save implements CredentialStore. Credentials with a future expiry get a
// matching key TTL; the manager still checks expiry itself.
func (s *RedisCredentialStore) Save(ctx context.Context, cred *StoredCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	var ttl time.Duration
	if !cred.ExpiresAt.IsZero() {
		if until := time.Until(cred.ExpiresAt); until > 0 {
			ttl = until
		}
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set credential: %w", err)
	}
	return nil
}

// Delete implements CredentialStore.
func (s *RedisCredentialStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del credential: %w", err)
	}
	return nil
}
