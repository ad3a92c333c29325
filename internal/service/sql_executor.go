package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// 查询执行状态
const (
	QueryStatusSuccess = "success"
	QueryStatusError   = "error"
)

// SQLExecutor SQL执行器
// 通过ConnectionManager在目标库连接池上执行只读查询
type SQLExecutor struct {
	connectionManager *ConnectionManager
	logger            *zap.Logger

	queryTimeout time.Duration // 查询超时
	maxRows      int32         // 最大返回行数
	maxResultMB  int32         // 最大结果集大小(MB)
}

// SQLExecutorConfig SQL执行器配置
type SQLExecutorConfig struct {
	QueryTimeout time.Duration `json:"query_timeout"` // 默认30秒
	MaxRows      int32         `json:"max_rows"`      // 默认1000行
	MaxResultMB  int32         `json:"max_result_mb"` // 默认10MB
}

// QueryResult SQL查询结果
type QueryResult struct {
	Columns       []string         `json:"columns"`            // 列名
	Rows          []map[string]any `json:"rows"`               // 数据行
	RowCount      int32            `json:"row_count"`          // 行数
	ExecutionTime int32            `json:"execution_time"`     // 执行时间(毫秒)
	QueryType     string           `json:"query_type"`         // 查询类型
	Status        string           `json:"status"`             // 执行状态
	Error         string           `json:"error,omitempty"`    // 错误信息
	Warnings      []string         `json:"warnings,omitempty"` // 警告信息
}

// NewSQLExecutor 创建SQL执行器
func NewSQLExecutor(connectionManager *ConnectionManager, logger *zap.Logger) *SQLExecutor {
	return NewSQLExecutorWithConfig(connectionManager, nil, logger)
}

// NewSQLExecutorWithConfig 使用自定义配置创建SQL执行器
func NewSQLExecutorWithConfig(connectionManager *ConnectionManager, config *SQLExecutorConfig, logger *zap.Logger) *SQLExecutor {
	if config == nil {
		config = &SQLExecutorConfig{}
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.MaxRows <= 0 {
		config.MaxRows = 1000
	}
	if config.MaxResultMB <= 0 {
		config.MaxResultMB = 10
	}

	return &SQLExecutor{
		connectionManager: connectionManager,
		logger:            logger,
		queryTimeout:      config.QueryTimeout,
		maxRows:           config.MaxRows,
		maxResultMB:       config.MaxResultMB,
	}
}

// ExecuteQuery 在指定连接的目标库上执行SELECT查询
// 失败时原样保留驱动错误文本，下游依赖其中的标识符做错误分类
func (e *SQLExecutor) ExecuteQuery(ctx context.Context, sql string, connectionID int64) (*QueryResult, error) {
	start := time.Now()

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	targetPool, err := e.connectionManager.GetConnectionPool(queryCtx, connectionID)
	if err != nil {
		return &QueryResult{
			Status:        QueryStatusError,
			Error:         fmt.Sprintf("数据库连接失败: %v", err),
			ExecutionTime: int32(time.Since(start).Milliseconds()),
		}, err
	}

	result, err := e.executeOnPool(queryCtx, sql, targetPool)
	result.ExecutionTime = int32(time.Since(start).Milliseconds())

	if err != nil {
		e.logger.Warn("SQL查询执行失败",
			zap.Error(err),
			zap.String("sql", sql),
			zap.Int64("connection_id", connectionID),
			zap.Int32("execution_time", result.ExecutionTime))
		return result, err
	}

	e.logger.Info("SQL查询执行成功",
		zap.Int64("connection_id", connectionID),
		zap.Int32("row_count", result.RowCount),
		zap.Int32("execution_time", result.ExecutionTime))

	return result, nil
}

// executeOnPool 在指定连接池上执行查询并收集结果
func (e *SQLExecutor) executeOnPool(ctx context.Context, sql string, pool *pgxpool.Pool) (*QueryResult, error) {
	result := &QueryResult{
		Columns:   []string{},
		Rows:      []map[string]any{},
		QueryType: detectQueryType(sql),
		Status:    QueryStatusSuccess,
	}

	rows, err := pool.Query(ctx, sql)
	if err != nil {
		result.Status = QueryStatusError
		// 驱动错误文本必须原样保留，错误分类依赖其中的表名列名
		result.Error = err.Error()
		return result, err
	}
	defer rows.Close()

	fieldDescriptions := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescriptions))
	for i, desc := range fieldDescriptions {
		columns[i] = string(desc.Name)
	}
	result.Columns = columns

	var rowCount int32
	var totalSizeBytes int64
	maxSizeBytes := int64(e.maxResultMB) * 1024 * 1024

	for rows.Next() {
		if rowCount >= e.maxRows {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("查询结果超过最大行数限制(%d行)，已截断", e.maxRows))
			break
		}

		values, err := rows.Values()
		if err != nil {
			result.Status = QueryStatusError
			result.Error = err.Error()
			return result, err
		}

		rowData := make(map[string]any, len(columns))
		for i, value := range values {
			rowData[columns[i]] = convertValue(value)
		}

		rowJSON, err := json.Marshal(rowData)
		if err != nil {
			result.Status = QueryStatusError
			result.Error = fmt.Sprintf("结果序列化失败: %v", err)
			return result, err
		}
		rowSize := int64(len(rowJSON))
		if totalSizeBytes+rowSize > maxSizeBytes {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("查询结果超过最大大小限制(%dMB)，已截断", e.maxResultMB))
			break
		}

		result.Rows = append(result.Rows, rowData)
		rowCount++
		totalSizeBytes += rowSize
	}
	result.RowCount = rowCount

	if err := rows.Err(); err != nil {
		result.Status = QueryStatusError
		result.Error = err.Error()
		return result, err
	}

	return result, nil
}

// convertValue 转换数据库值为JSON友好格式
func convertValue(value any) any {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		return v.Format(time.RFC3339)
	case []byte:
		return fmt.Sprintf("base64:%s", base64.StdEncoding.EncodeToString(v))
	case json.Number:
		return v.String()
	default:
		return value
	}
}

// detectQueryType 检测查询类型
func detectQueryType(sql string) string {
	upperSQL := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(upperSQL, "SELECT"):
		return "SELECT"
	case strings.HasPrefix(upperSQL, "WITH"):
		return "WITH"
	case strings.HasPrefix(upperSQL, "EXPLAIN"):
		return "EXPLAIN"
	case strings.HasPrefix(upperSQL, "SHOW"):
		return "SHOW"
	default:
		return "UNKNOWN"
	}
}
