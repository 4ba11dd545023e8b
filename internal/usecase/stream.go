package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/framecapture"
	"github.com/example/facepay/internal/ingest"
	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/repository"
	"github.com/example/facepay/internal/retry"
	"github.com/example/facepay/internal/storage"
)

const latestFrameTTL = 10 * time.Minute

// FrameRepository defines the persistence operations needed for stream frames.
type FrameRepository interface {
	Save(ctx context.Context, frame *repository.StreamFrame) error
	Latest(ctx context.Context, userID string) (*repository.StreamFrame, error)
	Aggregate(ctx context.Context, userID string) (*repository.FrameAggregation, error)
}

// StreamUseCase persists frames from the verification stream. It is the
// ingest.Sink of the stream endpoint.
type StreamUseCase struct {
	frames         FrameRepository
	store          storage.ObjectStore
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

type cachedFrame struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	ClientTS  int64     `json:"ts"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Size      int       `json:"size"`
	Hash      string    `json:"sha1_hash"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStreamUseCase constructs a new use case instance.
func NewStreamUseCase(frames FrameRepository, store storage.ObjectStore, cache Cache, logger *zap.Logger) *StreamUseCase {
	return &StreamUseCase{
		frames:         frames,
		store:          store,
		cache:          cache,
		logger:         logger.Named("stream_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

func latestKey(userID string) string {
	return fmt.Sprintf("stream:latest:%s", userID)
}

// Save stores the payload, records it and refreshes the latest-frame cache.
func (uc *StreamUseCase) Save(ctx context.Context, env ingest.Envelope) (ingest.SavedFrame, error) {
	frameID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.save_frame", frameID)

	url, err := uc.store.Put(ctx, storage.FrameKey(env.Meta.UserID, env.Payload), env.Payload, framecapture.ContentType)
	if err != nil {
		opLogger.Error("failed to store frame", zap.Error(err))
		return ingest.SavedFrame{}, err
	}

	hash := sha1.Sum(env.Payload)
	created := env.ReceivedAt
	if created.IsZero() {
		created = uc.now()
	}
	frame := &repository.StreamFrame{
		ID:        frameID,
		UserID:    env.Meta.UserID,
		Type:      env.Meta.Type,
		ClientTS:  env.Meta.TS,
		Width:     env.Meta.Width,
		Height:    env.Meta.Height,
		Size:      len(env.Payload),
		SHA1Hash:  hex.EncodeToString(hash[:]),
		URL:       url,
		CreatedAt: created.UTC(),
	}
	if err := uc.frames.Save(ctx, frame); err != nil {
		wrapped := logging.NewOperationError("usecase.record_frame", frameID, err)
		opLogger.Error("failed to persist frame", zap.Error(wrapped))
		return ingest.SavedFrame{}, wrapped
	}

	if frame.UserID != "" {
		uc.cacheLatest(ctx, frame)
	}
	return ingest.SavedFrame{ID: frame.ID, URL: frame.URL, Bytes: frame.Size, TS: frame.ClientTS}, nil
}

// cacheLatest is best effort: the repository stays the source of truth.
func (uc *StreamUseCase) cacheLatest(ctx context.Context, frame *repository.StreamFrame) {
	serialized, err := json.Marshal(cachedFrame{
		ID: frame.ID, UserID: frame.UserID, Type: frame.Type, ClientTS: frame.ClientTS,
		Width: frame.Width, Height: frame.Height, Size: frame.Size, Hash: frame.SHA1Hash,
		URL: frame.URL, CreatedAt: frame.CreatedAt,
	})
	if err != nil {
		uc.logger.Warn("failed to serialize frame", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, frame.ID, "cache.set.latest_frame", func() error {
		return uc.cache.Set(ctx, latestKey(frame.UserID), string(serialized), latestFrameTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_frame", frame.ID).Warn("failed to cache latest frame", zap.Error(err))
	}
}

// Latest returns the newest frame of userID from cache, or the repository
// on a miss.
func (uc *StreamUseCase) Latest(ctx context.Context, userID string) (*repository.StreamFrame, error) {
	if cached, err := uc.withRedisGet(ctx, userID, "cache.get.latest_frame", latestKey(userID)); err == nil {
		var payload cachedFrame
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.latest_frame", userID).Warn("failed to decode cached frame", zap.Error(err))
		} else {
			return &repository.StreamFrame{
				ID: payload.ID, UserID: userID, Type: payload.Type, ClientTS: payload.ClientTS,
				Width: payload.Width, Height: payload.Height, Size: payload.Size, SHA1Hash: payload.Hash,
				URL: payload.URL, CreatedAt: payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.latest_frame", userID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.frames.Latest(ctx, userID)
}

func (uc *StreamUseCase) withRedisRetry(ctx context.Context, subject, operation string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       uc.retryAttempts,
		InitialBackoff: uc.initialBackoff,
		MaxBackoff:     uc.maxBackoff,
		Retryable: func(err error) bool {
			return !errors.Is(err, redis.Nil) && retry.IsTransient(err)
		},
	}
	return retry.Do(ctx, policy, uc.logger, operation, subject, fn)
}

func (uc *StreamUseCase) withRedisGet(ctx context.Context, subject, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, subject, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
