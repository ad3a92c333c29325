package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLMessageRepository 对话消息Repository实现
// 元数据以JSONB列存储，保留SQL、结果快照和处理轨迹供审计回放
type PostgreSQLMessageRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgreSQLMessageRepository 创建消息Repository
func NewPostgreSQLMessageRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.MessageRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLMessageRepository{pool: pool, logger: logger}
}

// Create 写入一条消息
func (r *PostgreSQLMessageRepository) Create(ctx context.Context, message *repository.ChatMessage) error {
	const query = `
		INSERT INTO chat_messages (session_id, role, content, metadata,
			create_time, update_time, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		RETURNING id`

	metadataJSON, err := json.Marshal(message.Metadata)
	if err != nil {
		return fmt.Errorf("序列化消息元数据失败: %w", err)
	}

	now := time.Now().UTC()

	err = r.pool.QueryRow(ctx, query,
		message.SessionID,
		message.Role,
		message.Content,
		metadataJSON,
		now,
		now,
	).Scan(&message.ID)

	if err != nil {
		r.logger.Error("写入消息失败",
			zap.String("session_id", message.SessionID),
			zap.String("role", message.Role),
			zap.Error(err))
		return fmt.Errorf("写入消息失败: %w", err)
	}

	message.CreateTime = now
	message.UpdateTime = now
	return nil
}

// ListBySession 按时间顺序列出会话内的消息
func (r *PostgreSQLMessageRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*repository.ChatMessage, error) {
	const query = `
		SELECT id, session_id, role, content, metadata,
			create_time, update_time, is_deleted
		FROM chat_messages
		WHERE session_id = $1 AND is_deleted = false
		ORDER BY create_time ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询消息列表失败: %w", err)
	}
	defer rows.Close()

	var messages []*repository.ChatMessage
	for rows.Next() {
		message := &repository.ChatMessage{}
		var metadataJSON []byte

		if err := rows.Scan(
			&message.ID,
			&message.SessionID,
			&message.Role,
			&message.Content,
			&metadataJSON,
			&message.CreateTime,
			&message.UpdateTime,
			&message.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("扫描消息记录失败: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &message.Metadata); err != nil {
				r.logger.Warn("解析消息元数据失败，返回空元数据",
					zap.Int64("message_id", message.ID),
					zap.Error(err))
			}
		}

		messages = append(messages, message)
	}

	return messages, rows.Err()
}
