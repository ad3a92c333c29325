package config

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

// DatabaseConfig 元数据库连接配置
// 承载会话、消息、连接配置、权限规则和审计记录
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`

	MaxConns          int32         `json:"max_conns"`
	MinConns          int32         `json:"min_conns"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `json:"health_check_period"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`

	LogLevel        string `json:"log_level"`
	ApplicationName string `json:"application_name"`
}

// LoadDatabaseConfig 从环境变量加载元数据库配置
func LoadDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:     envString("DB_HOST", "localhost"),
		Port:     envInt("DB_PORT", 5432),
		User:     envString("DB_USER", "postgres"),
		Password: envString("DB_PASSWORD", ""),
		Database: envString("DB_NAME", "chatbi"),
		SSLMode:  envString("DB_SSL_MODE", "prefer"),

		MaxConns:          int32(envInt("DB_MAX_CONNS", 50)),
		MinConns:          int32(envInt("DB_MIN_CONNS", 5)),
		MaxConnLifetime:   envDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		MaxConnIdleTime:   envDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
		HealthCheckPeriod: envDuration("DB_HEALTH_CHECK_PERIOD", 5*time.Minute),
		ConnectTimeout:    envDuration("DB_CONNECT_TIMEOUT", 10*time.Second),

		LogLevel:        envString("DB_LOG_LEVEL", "warn"),
		ApplicationName: envString("DB_APPLICATION_NAME", "chatbi"),
	}
}

// Validate 校验配置合法性
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("数据库主机地址不能为空")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("数据库端口必须在1-65535范围内")
	}
	if c.User == "" {
		return fmt.Errorf("数据库用户名不能为空")
	}
	if c.Database == "" {
		return fmt.Errorf("数据库名称不能为空")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("最小连接数不能大于最大连接数")
	}

	switch c.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("无效的SSL模式: %s", c.SSLMode)
	}
	return nil
}

// ConnString 构建pgx连接字符串
func (c *DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=%s connect_timeout=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		c.ApplicationName, int(c.ConnectTimeout.Seconds()))
}

// PoolConfig 构建pgxpool配置，查询日志经tracelog走zap
func (c *DatabaseConfig) PoolConfig(logger *zap.Logger) (*pgxpool.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("数据库配置校验失败: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(c.ConnString())
	if err != nil {
		return nil, fmt.Errorf("解析数据库连接字符串失败: %w", err)
	}

	poolConfig.MaxConns = c.MaxConns
	poolConfig.MinConns = c.MinConns
	poolConfig.MaxConnLifetime = c.MaxConnLifetime
	poolConfig.MaxConnIdleTime = c.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = c.HealthCheckPeriod

	poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   NewPgxZapLogger(logger, c.LogLevel),
		LogLevel: parseTraceLevel(c.LogLevel),
	}

	return poolConfig, nil
}
