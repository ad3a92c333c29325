package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// setupTargetDatabase 启动一个PostgreSQL容器并灌入测试数据，
// 返回指向该容器的连接配置（密码已按管理器的密钥加密）
func setupTargetDatabase(t *testing.T, encryptionKey []byte) *repository.DatabaseConnection {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("target"),
		postgres.WithUsername("bi"),
		postgres.WithPassword("bi-secret"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "启动PostgreSQL容器失败")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("终止容器失败: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE TABLE orders (
			id BIGINT PRIMARY KEY,
			customer_name TEXT,
			amount NUMERIC(10,2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO orders (id, customer_name, amount) VALUES
			(1, '张三', 128.50),
			(2, '李四', 99.00),
			(3, NULL, 10.00)`)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	encryption, err := NewAESEncryption(encryptionKey)
	require.NoError(t, err)
	encrypted, err := encryption.Encrypt("bi-secret")
	require.NoError(t, err)

	return &repository.DatabaseConnection{
		Name:              "集成测试目标库",
		Host:              host,
		Port:              int32(port.Int()),
		DatabaseName:      "target",
		Username:          "bi",
		PasswordEncrypted: encrypted,
		DBType:            "postgresql",
	}
}

func TestSQLExecutorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("短模式下跳过容器集成测试")
	}

	logger := zap.NewNop()
	encryptionKey := []byte("integration-test-key")
	connection := setupTargetDatabase(t, encryptionKey)

	manager, err := NewConnectionManager(
		&fakeConnectionRepo{connection: connection}, encryptionKey, logger)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	ctx := context.Background()

	t.Run("查询返回行和列", func(t *testing.T) {
		executor := NewSQLExecutor(manager, logger)

		result, err := executor.ExecuteQuery(ctx,
			"SELECT id, customer_name, created_at FROM orders ORDER BY id", 1)
		require.NoError(t, err)

		assert.Equal(t, QueryStatusSuccess, result.Status)
		assert.Equal(t, "SELECT", result.QueryType)
		assert.Equal(t, []string{"id", "customer_name", "created_at"}, result.Columns)
		require.Equal(t, int32(3), result.RowCount)

		assert.Equal(t, "张三", result.Rows[0]["customer_name"])
		assert.Nil(t, result.Rows[2]["customer_name"])

		// 时间值统一转成RFC3339字符串
		createdAt, ok := result.Rows[0]["created_at"].(string)
		require.True(t, ok)
		_, err = time.Parse(time.RFC3339, createdAt)
		assert.NoError(t, err)
	})

	t.Run("超过最大行数截断", func(t *testing.T) {
		executor := NewSQLExecutorWithConfig(manager, &SQLExecutorConfig{MaxRows: 2}, logger)

		result, err := executor.ExecuteQuery(ctx, "SELECT id FROM orders ORDER BY id", 1)
		require.NoError(t, err)

		assert.Equal(t, int32(2), result.RowCount)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "已截断")
	})

	t.Run("执行失败保留驱动错误文本", func(t *testing.T) {
		executor := NewSQLExecutor(manager, logger)

		result, err := executor.ExecuteQuery(ctx, "SELECT id FROM missing_table", 1)
		require.Error(t, err)

		assert.Equal(t, QueryStatusError, result.Status)
		// 错误分类依赖文本里的表名，不能被包装吞掉
		assert.Contains(t, result.Error, "missing_table")
	})

	t.Run("连接池按连接ID复用", func(t *testing.T) {
		first, err := manager.GetConnectionPool(ctx, 1)
		require.NoError(t, err)
		second, err := manager.GetConnectionPool(ctx, 1)
		require.NoError(t, err)
		assert.Same(t, first, second)
	})
}
