package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StreamFrame records one frame received on the verification stream.
type StreamFrame struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"column:user_id;index;size:64"`
	Type      string    `gorm:"column:type;size:32"`
	ClientTS  int64     `gorm:"column:client_ts"`
	Width     int       `gorm:"column:width"`
	Height    int       `gorm:"column:height"`
	Size      int       `gorm:"column:size"`
	SHA1Hash  string    `gorm:"column:sha1_hash;size:40;index"`
	URL       string    `gorm:"column:url;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (StreamFrame) TableName() string {
	return "stream_frames"
}

// FrameAggregation captures aggregate statistics for a user's frames.
type FrameAggregation struct {
	TotalCount  int64      `gorm:"column:total_count"`
	TotalBytes  int64      `gorm:"column:total_bytes"`
	AverageSize float64    `gorm:"column:average_size"`
	LastFrameAt *time.Time `gorm:"column:last_frame_at"`
}

// FrameRepository provides persistence APIs for stream frames.
type FrameRepository struct {
	base
}

// NewFrameRepository creates a new repository instance.
func NewFrameRepository(db *gorm.DB, logger *zap.Logger) *FrameRepository {
	return &FrameRepository{base: newBase(db, logger, "frame_repository")}
}

// Save persists a frame record.
func (r *FrameRepository) Save(ctx context.Context, frame *StreamFrame) error {
	return r.executeWithRetry(ctx, "repository.save_frame", frame.ID, func() error {
		return translate(r.db.WithContext(ctx).Create(frame).Error)
	})
}

// Latest returns the most recent frame of userID.
func (r *FrameRepository) Latest(ctx context.Context, userID string) (*StreamFrame, error) {
	var frame StreamFrame
	err := r.executeWithRetry(ctx, "repository.latest_frame", userID, func() error {
		return translate(r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			First(&frame).Error)
	})
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// Aggregate summarises every frame of userID.
func (r *FrameRepository) Aggregate(ctx context.Context, userID string) (*FrameAggregation, error) {
	var agg FrameAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_frames", userID, func() error {
		return r.db.WithContext(ctx).Model(&StreamFrame{}).
			Select("COUNT(*) AS total_count, COALESCE(SUM(size), 0) AS total_bytes, COALESCE(AVG(size), 0) AS average_size, MAX(created_at) AS last_frame_at").
			Where("user_id = ?", userID).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
