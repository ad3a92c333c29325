package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatbi-go/internal/repository"
)

// ConnectionManager 目标数据库连接管理器
// 按连接ID缓存目标库的pgx连接池，密码以AES-GCM加密存储
type ConnectionManager struct {
	connectionRepo repository.ConnectionRepository
	encryption     *AESEncryption
	logger         *zap.Logger

	// 连接池缓存 key: connectionID, value: *ManagedPool
	connectionPools sync.Map

	poolIdleTimeout   time.Duration
	connectionTimeout time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
}

// ManagedPool 托管连接池
type ManagedPool struct {
	Pool       *pgxpool.Pool
	Connection *repository.DatabaseConnection
	LastUsed   time.Time
	CreatedAt  time.Time
	mutex      sync.RWMutex
}

// ConnectionManagerConfig 连接管理器配置
type ConnectionManagerConfig struct {
	EncryptionKey     []byte        `json:"-"`                  // 加密密钥，不序列化
	PoolIdleTimeout   time.Duration `json:"pool_idle_timeout"`  // 连接池空闲超时，默认30分钟
	ConnectionTimeout time.Duration `json:"connection_timeout"` // 建连超时，默认10秒
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(
	connectionRepo repository.ConnectionRepository,
	encryptionKey []byte,
	logger *zap.Logger,
) (*ConnectionManager, error) {
	return NewConnectionManagerWithConfig(connectionRepo, &ConnectionManagerConfig{
		EncryptionKey: encryptionKey,
	}, logger)
}

// NewConnectionManagerWithConfig 使用自定义配置创建连接管理器
func NewConnectionManagerWithConfig(
	connectionRepo repository.ConnectionRepository,
	config *ConnectionManagerConfig,
	logger *zap.Logger,
) (*ConnectionManager, error) {
	if config == nil || len(config.EncryptionKey) == 0 {
		return nil, errors.New("加密密钥不能为空")
	}
	if config.PoolIdleTimeout <= 0 {
		config.PoolIdleTimeout = 30 * time.Minute
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}

	encryption, err := NewAESEncryption(config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("初始化加密服务失败: %w", err)
	}

	manager := &ConnectionManager{
		connectionRepo:    connectionRepo,
		encryption:        encryption,
		logger:            logger,
		poolIdleTimeout:   config.PoolIdleTimeout,
		connectionTimeout: config.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}

	go manager.cleanupLoop()
	return manager, nil
}

// GetConnectionPool 获取指定连接的目标库连接池，不存在则创建并缓存
func (m *ConnectionManager) GetConnectionPool(ctx context.Context, connectionID int64) (*pgxpool.Pool, error) {
	if cached, ok := m.connectionPools.Load(connectionID); ok {
		managed := cached.(*ManagedPool)
		managed.mutex.Lock()
		managed.LastUsed = time.Now()
		managed.mutex.Unlock()
		return managed.Pool, nil
	}

	connection, err := m.connectionRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("查询数据库连接配置失败: %w", err)
	}

	pool, err := m.createPool(ctx, connection)
	if err != nil {
		return nil, err
	}

	managed := &ManagedPool{
		Pool:       pool,
		Connection: connection,
		LastUsed:   time.Now(),
		CreatedAt:  time.Now(),
	}

	// 并发创建时保留先到的那个
	if existing, loaded := m.connectionPools.LoadOrStore(connectionID, managed); loaded {
		pool.Close()
		return existing.(*ManagedPool).Pool, nil
	}

	m.logger.Info("创建目标数据库连接池",
		zap.Int64("connection_id", connectionID),
		zap.String("host", connection.Host),
		zap.String("database", connection.DatabaseName))

	return pool, nil
}

// GetConnection 获取连接配置
func (m *ConnectionManager) GetConnection(ctx context.Context, connectionID int64) (*repository.DatabaseConnection, error) {
	return m.connectionRepo.GetByID(ctx, connectionID)
}

// TestConnection 测试数据库连接可达性
func (m *ConnectionManager) TestConnection(ctx context.Context, connection *repository.DatabaseConnection) error {
	testCtx, cancel := context.WithTimeout(ctx, m.connectionTimeout)
	defer cancel()

	pool, err := m.createPool(testCtx, connection)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(testCtx); err != nil {
		return fmt.Errorf("数据库连接测试失败: %w", err)
	}
	return nil
}

// createPool 按连接配置创建pgx连接池
func (m *ConnectionManager) createPool(ctx context.Context, connection *repository.DatabaseConnection) (*pgxpool.Pool, error) {
	password, err := m.encryption.Decrypt(connection.PasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("解密数据库密码失败: %w", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
		connection.Username, password, connection.Host, connection.Port, connection.DatabaseName)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析连接配置失败: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.ConnConfig.ConnectTimeout = m.connectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}
	return pool, nil
}

// cleanupLoop 周期性关闭空闲超时的连接池
func (m *ConnectionManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictIdlePools()
		}
	}
}

func (m *ConnectionManager) evictIdlePools() {
	now := time.Now()
	m.connectionPools.Range(func(key, value any) bool {
		managed := value.(*ManagedPool)
		managed.mutex.RLock()
		idle := now.Sub(managed.LastUsed)
		managed.mutex.RUnlock()

		if idle > m.poolIdleTimeout {
			m.connectionPools.Delete(key)
			managed.Pool.Close()
			m.logger.Info("回收空闲连接池",
				zap.Any("connection_id", key),
				zap.Duration("idle", idle))
		}
		return true
	})
}

// Close 关闭全部托管连接池
func (m *ConnectionManager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.connectionPools.Range(func(key, value any) bool {
			value.(*ManagedPool).Pool.Close()
			m.connectionPools.Delete(key)
			return true
		})
	})
}

// AESEncryption AES-GCM加密服务，密钥经SHA-256归一为256位
type AESEncryption struct {
	key []byte
}

// NewAESEncryption 创建加密服务
func NewAESEncryption(key []byte) (*AESEncryption, error) {
	if len(key) == 0 {
		return nil, errors.New("加密密钥不能为空")
	}
	hashed := sha256.Sum256(key)
	return &AESEncryption{key: hashed[:]}, nil
}

// Encrypt 加密明文，返回base64编码的nonce+密文
func (e *AESEncryption) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密base64编码的密文
func (e *AESEncryption) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("密文base64解码失败: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("密文长度不足")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("密文解密失败: %w", err)
	}
	return string(plaintext), nil
}
