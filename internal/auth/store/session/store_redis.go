package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mihome/internal/auth/models"
	"mihome/pkg/platform/sentinel"
)

const redisKeyPrefix = "mihome:qr-session:"

// RedisSessionStore keeps sessions in redis so several dashboard replicas can
// serve the same QR flow. Records carry a TTL matching their deadline, so
// redis performs the sweep itself and DeleteExpired is a no-op.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedis constructs a redis-backed session store.
func NewRedis(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) Save(ctx context.Context, session *models.LoginSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		// Already past deadline; keep it just long enough for one last
		// expired observation.
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, redisKeyPrefix+session.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisSessionStore) FindByID(ctx context.Context, id string) (*models.LoginSession, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("login session not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w: %v", sentinel.ErrUnavailable, err)
	}
	var session models.LoginSession
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

// DeleteExpired is satisfied by redis key TTLs; nothing to do here.
func (s *RedisSessionStore) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}
