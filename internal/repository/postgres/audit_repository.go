package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLAuditRepository 查询审计Repository实现
// 被阻断和失败的尝试与成功执行一样落库，HTTP错误响应之前完成写入
type PostgreSQLAuditRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgreSQLAuditRepository 创建审计Repository
func NewPostgreSQLAuditRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.AuditRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLAuditRepository{pool: pool, logger: logger}
}

// Record 写入一条审计记录
func (r *PostgreSQLAuditRepository) Record(ctx context.Context, record *repository.AuditRecord) error {
	const query = `
		INSERT INTO audit_records (user_id, session_id, connection_id,
			natural_query, sql, status, error_message, duration_ms,
			create_time, update_time, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
		RETURNING id`

	now := time.Now().UTC()

	err := r.pool.QueryRow(ctx, query,
		record.UserID,
		record.SessionID,
		record.ConnectionID,
		record.NaturalQuery,
		record.SQL,
		record.Status,
		record.ErrorMessage,
		record.DurationMS,
		now,
		now,
	).Scan(&record.ID)

	if err != nil {
		r.logger.Error("写入审计记录失败",
			zap.Int64("user_id", record.UserID),
			zap.String("status", record.Status),
			zap.Error(err))
		return fmt.Errorf("写入审计记录失败: %w", err)
	}

	record.CreateTime = now
	record.UpdateTime = now
	return nil
}
