package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/metrics"
)

const (
	// IdempotencyTTL is how long a finished registration response is replayed.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed request can hold its key.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

var (
	// ErrDuplicateRequest means a request with the same key is still running.
	ErrDuplicateRequest = errors.New("duplicate request: idempotency key is in use")

	// ErrKeyReused means the key was first used for a different request body.
	ErrKeyReused = errors.New("idempotency key was used for a different request")
)

// IdempotencyResult is the stored response of a finished registration request.
type IdempotencyResult struct {
	Fingerprint string          `json:"fingerprint"`
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
	CreatedAt   int64           `json:"created_at"`
}

// Fingerprint identifies a request body so a key cannot be replayed for a
// different one.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyService remembers the outcome of registration requests by the
// client's Idempotency-Key, scoped per user.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger}
}

func (s *IdempotencyService) buildKey(userID uuid.UUID, idempotencyKey string) string {
	return fmt.Sprintf("preorder:idempotency:%s:%s", userID, idempotencyKey)
}

// Check returns the stored result for the key, nil if there is none, or
// ErrDuplicateRequest while the first request is still in flight.
func (s *IdempotencyService) Check(ctx context.Context, userID uuid.UUID, idempotencyKey, fingerprint string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(userID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	if result.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}

	metrics.RecordIdempotencyHit()
	s.logger.Debug("idempotency cache hit",
		zap.String("user_id", userID.String()),
		zap.Int("status_code", result.StatusCode),
	)
	return &result, nil
}

// Reserve marks the key as in flight. It reports false when the key is
// already taken.
func (s *IdempotencyService) Reserve(ctx context.Context, userID uuid.UUID, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(userID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a stored result, or reserves the key and returns
// nil so the caller can process the request.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, userID uuid.UUID, idempotencyKey, fingerprint string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, userID, idempotencyKey, fingerprint)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

// Store replaces the in-flight marker with the finished result.
func (s *IdempotencyService) Store(ctx context.Context, userID uuid.UUID, idempotencyKey string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.buildKey(userID, idempotencyKey), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops the key so a request that failed without an answer worth
// replaying can be retried with it.
func (s *IdempotencyService) Release(ctx context.Context, userID uuid.UUID, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(userID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
