package recargas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisStore is a CredentialStore backed by Redis, for deployments where the
// API and the bot run on separate hosts and share one credential set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the given Redis URL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}

	return &RedisStore{client: client, prefix: "recargas:creds:"}, nil
}

func (s *RedisStore) key(account string) string {
	return s.prefix + account
}

func (s *RedisStore) Load(account string) (AccountCredentials, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(account)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return AccountCredentials{}, false, nil
		}
		return AccountCredentials{}, false, fmt.Errorf("redis store: get %s: %w", account, err)
	}

	var creds AccountCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// A corrupted record is equivalent to no record; the session will
		// re-authenticate from scratch.
		return AccountCredentials{}, false, nil
	}
	return creds, true, nil
}

func (s *RedisStore) Save(account string, creds AccountCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(account), data, 0).Err(); err != nil {
		return fmt.Errorf("redis store: set %s: %w", account, err)
	}
	return nil
}

func (s *RedisStore) ClearTokens(account string) error {
	creds, ok, err := s.Load(account)
	if err != nil || !ok {
		return err
	}
	creds.AccessToken = ""
	creds.RefreshToken = ""
	creds.ResourceToken = ""
	creds.ExpiresAt = time.Time{}
	creds.AccountInfo = nil
	return s.Save(account, creds)
}

func (s *RedisStore) ClearFingerprint(account string) error {
	creds, ok, err := s.Load(account)
	if err != nil || !ok {
		return err
	}
	creds.Fingerprint = ""
	creds.FingerprintSavedAt = time.Time{}
	return s.Save(account, creds)
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
