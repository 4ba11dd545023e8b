package usecase

import (
	"context"
	"time"
)

// StreamSummary represents aggregated stream insights for a user.
type StreamSummary struct {
	TotalFrames       int64      `json:"total_frames"`
	TotalBytes        int64      `json:"total_bytes"`
	AverageFrameBytes float64    `json:"average_frame_bytes"`
	LastFrameAt       *time.Time `json:"last_frame_at,omitempty"`
}

// GetStreamSummary aggregates stream metrics from persisted frames.
func (uc *StreamUseCase) GetStreamSummary(ctx context.Context, userID string) (*StreamSummary, error) {
	aggregation, err := uc.frames.Aggregate(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &StreamSummary{
		TotalFrames: aggregation.TotalCount,
		TotalBytes:  aggregation.TotalBytes,
		LastFrameAt: aggregation.LastFrameAt,
	}
	if aggregation.TotalCount > 0 {
		summary.AverageFrameBytes = float64(aggregation.TotalBytes) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
