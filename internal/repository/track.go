package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/langchou/gpxview/internal/models"
)

// Querier 查询出口，连接池和测试替身都实现它
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// maxListLimit 历史列表单次查询上限
const maxListLimit = 200

// TrackRepository 轨迹历史仓库
type TrackRepository struct {
	db Querier
}

// NewTrackRepository 创建轨迹仓库
func NewTrackRepository(db Querier) *TrackRepository {
	return &TrackRepository{db: db}
}

// Create 写入轨迹记录，ID 为空时生成
func (r *TrackRepository) Create(ctx context.Context, track *models.Track) error {
	if track.ID == "" {
		track.ID = uuid.NewString()
	}

	query := `
		INSERT INTO tracks (id, name, description, added_at, track_length_m, estimated_time_seconds, gpx)
		VALUES ($1, $2, $3, NOW(), $4, $5, $6)
		RETURNING added_at
	`
	err := r.db.QueryRow(ctx, query,
		track.ID,
		track.Name,
		track.Description,
		track.TrackLengthM,
		track.EstimatedTimeSeconds,
		track.Gpx,
	).Scan(&track.AddedAt)

	if err != nil {
		return fmt.Errorf("insert track: %w", err)
	}
	return nil
}

// GetByID 按 ID 读取单条轨迹，含 GPX 原文
func (r *TrackRepository) GetByID(ctx context.Context, id string) (*models.Track, error) {
	query := `
		SELECT id, name, description, added_at, track_length_m, estimated_time_seconds, gpx
		FROM tracks WHERE id = $1
	`
	track := &models.Track{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&track.ID,
		&track.Name,
		&track.Description,
		&track.AddedAt,
		&track.TrackLengthM,
		&track.EstimatedTimeSeconds,
		&track.Gpx,
	)
	if err != nil {
		return nil, fmt.Errorf("get track: %w", err)
	}
	return track, nil
}

// ListNewestFirst 按导入时间倒序列出轨迹，不带 GPX 原文
func (r *TrackRepository) ListNewestFirst(ctx context.Context, limit int) ([]*models.Track, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, name, description, added_at, track_length_m, estimated_time_seconds
		FROM tracks ORDER BY added_at DESC LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*models.Track
	for rows.Next() {
		track := &models.Track{}
		if err := rows.Scan(
			&track.ID,
			&track.Name,
			&track.Description,
			&track.AddedAt,
			&track.TrackLengthM,
			&track.EstimatedTimeSeconds,
		); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks = append(tracks, track)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracks: %w", err)
	}
	return tracks, nil
}

// Delete 删除轨迹，返回是否确实删到了记录
func (r *TrackRepository) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM tracks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete track: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
