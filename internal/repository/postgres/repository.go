// Package postgres Repository层的PostgreSQL实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// PostgreSQLRepository PostgreSQL Repository实现
// 聚合所有子Repository，提供统一的数据访问入口
type PostgreSQLRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	sessionRepo    repository.SessionRepository
	messageRepo    repository.MessageRepository
	connectionRepo repository.ConnectionRepository
	schemaRepo     repository.SchemaRepository
	permissionRepo repository.PermissionRepository
	auditRepo      repository.AuditRepository
}

// NewPostgreSQLRepository 创建PostgreSQL Repository实例
func NewPostgreSQLRepository(pool *pgxpool.Pool, logger *zap.Logger) repository.Repository {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PostgreSQLRepository{
		pool:   pool,
		logger: logger,

		sessionRepo:    NewPostgreSQLSessionRepository(pool, logger),
		messageRepo:    NewPostgreSQLMessageRepository(pool, logger),
		connectionRepo: NewPostgreSQLConnectionRepository(pool, logger),
		schemaRepo:     NewPostgreSQLSchemaRepository(pool, logger),
		permissionRepo: NewPostgreSQLPermissionRepository(pool, logger),
		auditRepo:      NewPostgreSQLAuditRepository(pool, logger),
	}
}

// Session 获取会话Repository
func (r *PostgreSQLRepository) Session() repository.SessionRepository {
	return r.sessionRepo
}

// Message 获取消息Repository
func (r *PostgreSQLRepository) Message() repository.MessageRepository {
	return r.messageRepo
}

// Connection 获取连接Repository
func (r *PostgreSQLRepository) Connection() repository.ConnectionRepository {
	return r.connectionRepo
}

// Schema 获取元数据Repository
func (r *PostgreSQLRepository) Schema() repository.SchemaRepository {
	return r.schemaRepo
}

// Permission 获取访问规则Repository
func (r *PostgreSQLRepository) Permission() repository.PermissionRepository {
	return r.permissionRepo
}

// Audit 获取审计Repository
func (r *PostgreSQLRepository) Audit() repository.AuditRepository {
	return r.auditRepo
}

// HealthCheck 健康检查
func (r *PostgreSQLRepository) HealthCheck(ctx context.Context) error {
	var result int
	if err := r.pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		r.logger.Error("repository健康检查失败", zap.Error(err))
		return fmt.Errorf("repository健康检查失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接池
func (r *PostgreSQLRepository) Close() error {
	r.pool.Close()
	return nil
}

// isUniqueViolation 判断是否为唯一性约束冲突
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
