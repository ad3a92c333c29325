package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLSchemaRepository 表结构元数据缓存Repository实现
// 缓存只是结构查询返回空结果时的降级数据源，每次成功探测后整体替换
type PostgreSQLSchemaRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgreSQLSchemaRepository 创建元数据Repository
func NewPostgreSQLSchemaRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.SchemaRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLSchemaRepository{pool: pool, logger: logger}
}

// ListByConnection 列出连接的全部缓存元数据
func (r *PostgreSQLSchemaRepository) ListByConnection(ctx context.Context, connectionID int64) ([]*repository.SchemaMetadata, error) {
	const query = `
		SELECT id, connection_id, table_name, column_name, data_type,
			is_nullable, is_primary_key, is_foreign_key,
			foreign_table, foreign_column, column_comment, ordinal_position,
			create_time, update_time, is_deleted
		FROM schema_metadata
		WHERE connection_id = $1 AND is_deleted = false
		ORDER BY table_name, ordinal_position`

	rows, err := r.pool.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("查询表结构元数据失败: %w", err)
	}
	defer rows.Close()

	var metadata []*repository.SchemaMetadata
	for rows.Next() {
		m := &repository.SchemaMetadata{}
		if err := rows.Scan(
			&m.ID,
			&m.ConnectionID,
			&m.TableName,
			&m.ColumnName,
			&m.DataType,
			&m.IsNullable,
			&m.IsPrimaryKey,
			&m.IsForeignKey,
			&m.ForeignTable,
			&m.ForeignColumn,
			&m.ColumnComment,
			&m.OrdinalPosition,
			&m.CreateTime,
			&m.UpdateTime,
			&m.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("扫描表结构元数据失败: %w", err)
		}
		metadata = append(metadata, m)
	}

	return metadata, rows.Err()
}

// BatchReplace 整体替换连接的缓存元数据
// 先删后插在同一事务内完成，避免读到半新半旧的缓存
func (r *PostgreSQLSchemaRepository) BatchReplace(ctx context.Context, connectionID int64, metadata []*repository.SchemaMetadata) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("开始元数据替换事务失败: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM schema_metadata WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("清除旧元数据失败: %w", err)
	}

	if len(metadata) > 0 {
		now := time.Now().UTC()
		rows := make([][]any, 0, len(metadata))
		for _, m := range metadata {
			rows = append(rows, []any{
				connectionID, m.TableName, m.ColumnName, m.DataType,
				m.IsNullable, m.IsPrimaryKey, m.IsForeignKey,
				m.ForeignTable, m.ForeignColumn, m.ColumnComment,
				m.OrdinalPosition, now, now, false,
			})
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"schema_metadata"},
			[]string{
				"connection_id", "table_name", "column_name", "data_type",
				"is_nullable", "is_primary_key", "is_foreign_key",
				"foreign_table", "foreign_column", "column_comment",
				"ordinal_position", "create_time", "update_time", "is_deleted",
			},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("批量写入元数据失败: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("提交元数据替换事务失败: %w", err)
	}

	r.logger.Info("表结构元数据缓存已更新",
		zap.Int64("connection_id", connectionID),
		zap.Int("column_count", len(metadata)))

	return nil
}
