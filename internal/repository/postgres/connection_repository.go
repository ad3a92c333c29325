package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLConnectionRepository 数据库连接配置Repository实现
// 聊天管道只读取连接配置和其预配置查询工具，不提供CRUD管理接口
type PostgreSQLConnectionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgreSQLConnectionRepository 创建连接Repository
func NewPostgreSQLConnectionRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.ConnectionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLConnectionRepository{pool: pool, logger: logger}
}

// GetByID 根据ID获取数据库连接配置
func (r *PostgreSQLConnectionRepository) GetByID(ctx context.Context, id int64) (*repository.DatabaseConnection, error) {
	const query = `
		SELECT id, user_id, name, host, port, database_name, username,
			password_encrypted, db_type, status, last_tested,
			create_time, update_time, is_deleted
		FROM database_connections
		WHERE id = $1 AND is_deleted = false`

	conn := &repository.DatabaseConnection{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Name,
		&conn.Host,
		&conn.Port,
		&conn.DatabaseName,
		&conn.Username,
		&conn.PasswordEncrypted,
		&conn.DBType,
		&conn.Status,
		&conn.LastTested,
		&conn.CreateTime,
		&conn.UpdateTime,
		&conn.IsDeleted,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("查询数据库连接配置失败: %w", err)
	}

	return conn, nil
}

// ListByUser 列出用户的全部连接配置
func (r *PostgreSQLConnectionRepository) ListByUser(ctx context.Context, userID int64) ([]*repository.DatabaseConnection, error) {
	const query = `
		SELECT id, user_id, name, host, port, database_name, username,
			password_encrypted, db_type, status, last_tested,
			create_time, update_time, is_deleted
		FROM database_connections
		WHERE user_id = $1 AND is_deleted = false
		ORDER BY name`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("查询连接列表失败: %w", err)
	}
	defer rows.Close()

	var connections []*repository.DatabaseConnection
	for rows.Next() {
		conn := &repository.DatabaseConnection{}
		if err := rows.Scan(
			&conn.ID,
			&conn.UserID,
			&conn.Name,
			&conn.Host,
			&conn.Port,
			&conn.DatabaseName,
			&conn.Username,
			&conn.PasswordEncrypted,
			&conn.DBType,
			&conn.Status,
			&conn.LastTested,
			&conn.CreateTime,
			&conn.UpdateTime,
			&conn.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("扫描连接配置失败: %w", err)
		}
		connections = append(connections, conn)
	}

	return connections, rows.Err()
}

// ListTools 列出连接上预配置的命名查询工具
func (r *PostgreSQLConnectionRepository) ListTools(ctx context.Context, connectionID int64) ([]*repository.QueryTool, error) {
	const query = `
		SELECT id, connection_id, name, description, sql, tool_type,
			create_time, update_time, is_deleted
		FROM query_tools
		WHERE connection_id = $1 AND is_deleted = false
		ORDER BY name`

	rows, err := r.pool.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("查询预配置工具失败: %w", err)
	}
	defer rows.Close()

	var tools []*repository.QueryTool
	for rows.Next() {
		tool := &repository.QueryTool{}
		if err := rows.Scan(
			&tool.ID,
			&tool.ConnectionID,
			&tool.Name,
			&tool.Description,
			&tool.SQL,
			&tool.ToolType,
			&tool.CreateTime,
			&tool.UpdateTime,
			&tool.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("扫描预配置工具失败: %w", err)
		}
		tools = append(tools, tool)
	}

	return tools, rows.Err()
}
