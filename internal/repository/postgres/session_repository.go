package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLSessionRepository 对话会话Repository实现
type PostgreSQLSessionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgreSQLSessionRepository 创建会话Repository
func NewPostgreSQLSessionRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.SessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLSessionRepository{pool: pool, logger: logger}
}

// Create 创建会话
func (r *PostgreSQLSessionRepository) Create(ctx context.Context, session *repository.ChatSession) error {
	const query = `
		INSERT INTO chat_sessions (session_id, user_id, connection_id, title,
			create_time, update_time, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		RETURNING id`

	now := time.Now().UTC()

	err := r.pool.QueryRow(ctx, query,
		session.SessionID,
		session.UserID,
		session.ConnectionID,
		session.Title,
		now,
		now,
	).Scan(&session.ID)

	if err != nil {
		r.logger.Error("创建会话失败",
			zap.String("session_id", session.SessionID),
			zap.Int64("user_id", session.UserID),
			zap.Error(err))

		if isUniqueViolation(err) {
			return fmt.Errorf("会话已存在: %w", repository.ErrDuplicateEntry)
		}
		return fmt.Errorf("创建会话失败: %w", err)
	}

	session.CreateTime = now
	session.UpdateTime = now
	return nil
}

// GetBySessionID 按会话UUID获取会话
func (r *PostgreSQLSessionRepository) GetBySessionID(ctx context.Context, sessionID string) (*repository.ChatSession, error) {
	const query = `
		SELECT id, session_id, user_id, connection_id, title,
			create_time, update_time, is_deleted
		FROM chat_sessions
		WHERE session_id = $1 AND is_deleted = false`

	session := &repository.ChatSession{}
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.SessionID,
		&session.UserID,
		&session.ConnectionID,
		&session.Title,
		&session.CreateTime,
		&session.UpdateTime,
		&session.IsDeleted,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}

	return session, nil
}

// ListByUser 分页列出用户的会话
func (r *PostgreSQLSessionRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*repository.ChatSession, error) {
	const query = `
		SELECT id, session_id, user_id, connection_id, title,
			create_time, update_time, is_deleted
		FROM chat_sessions
		WHERE user_id = $1 AND is_deleted = false
		ORDER BY update_time DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("查询会话列表失败: %w", err)
	}
	defer rows.Close()

	var sessions []*repository.ChatSession
	for rows.Next() {
		session := &repository.ChatSession{}
		if err := rows.Scan(
			&session.ID,
			&session.SessionID,
			&session.UserID,
			&session.ConnectionID,
			&session.Title,
			&session.CreateTime,
			&session.UpdateTime,
			&session.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("扫描会话记录失败: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}
