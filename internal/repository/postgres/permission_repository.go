package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLPermissionRepository 访问规则Repository实现
// 规则每次请求重新读取，不做进程内缓存，权限变更即时生效
type PostgreSQLPermissionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgreSQLPermissionRepository 创建访问规则Repository
func NewPostgreSQLPermissionRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.PermissionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLPermissionRepository{pool: pool, logger: logger}
}

// ListRules 列出连接上适用于指定角色的全部规则
func (r *PostgreSQLPermissionRepository) ListRules(ctx context.Context, connectionID int64, role string) ([]*repository.PermissionRule, error) {
	const query = `
		SELECT id, connection_id, role, table_name, effect,
			deny_columns, mask_columns, row_filter,
			create_time, update_time, is_deleted
		FROM permission_rules
		WHERE connection_id = $1 AND role = $2 AND is_deleted = false
		ORDER BY table_name`

	rows, err := r.pool.Query(ctx, query, connectionID, role)
	if err != nil {
		return nil, fmt.Errorf("查询访问规则失败: %w", err)
	}
	defer rows.Close()

	var rules []*repository.PermissionRule
	for rows.Next() {
		rule := &repository.PermissionRule{}
		if err := rows.Scan(
			&rule.ID,
			&rule.ConnectionID,
			&rule.Role,
			&rule.TableName,
			&rule.Effect,
			&rule.DenyColumns,
			&rule.MaskColumns,
			&rule.RowFilter,
			&rule.CreateTime,
			&rule.UpdateTime,
			&rule.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("扫描访问规则失败: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}
