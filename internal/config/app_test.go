package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbi-go/internal/ai"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "# 注释行\nTEST_LOAD_ENV_KEY=value1\nTEST_LOAD_ENV_QUOTED=\"quoted value\"\n无效行\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0644))

	t.Setenv("TEST_LOAD_ENV_KEY", "")
	t.Setenv("TEST_LOAD_ENV_QUOTED", "")
	os.Unsetenv("TEST_LOAD_ENV_KEY")
	os.Unsetenv("TEST_LOAD_ENV_QUOTED")

	require.NoError(t, LoadEnv(envFile))
	assert.Equal(t, "value1", os.Getenv("TEST_LOAD_ENV_KEY"))
	assert.Equal(t, "quoted value", os.Getenv("TEST_LOAD_ENV_QUOTED"))
}

func TestLoadEnv_SystemVariablesWin(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TEST_ENV_PRIORITY=from_file\n"), 0644))

	t.Setenv("TEST_ENV_PRIORITY", "from_system")
	require.NoError(t, LoadEnv(envFile))
	assert.Equal(t, "from_system", os.Getenv("TEST_ENV_PRIORITY"))
}

func TestLoadEnv_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, LoadEnv("/不存在的路径/.env"))
}

func TestLoadProviderConfig_OllamaDefaults(t *testing.T) {
	t.Setenv("LLM_DIALECT", "ollama")

	provider, err := LoadProviderConfig()
	require.NoError(t, err)

	assert.Equal(t, ai.DialectOllama, provider.Dialect)
	assert.Equal(t, "http://localhost:11434", provider.BaseURL)
	assert.True(t, provider.Local)
	assert.NotEmpty(t, provider.Model)
}

func TestLoadProviderConfig_OpenAIRequiresKey(t *testing.T) {
	t.Setenv("LLM_DIALECT", "openai")
	t.Setenv("LLM_API_KEY", "")

	_, err := LoadProviderConfig()
	assert.Error(t, err)

	t.Setenv("LLM_API_KEY", "sk-test")
	provider, err := LoadProviderConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", provider.BaseURL)
	assert.False(t, provider.Local)
}

func TestLoadProviderConfig_UnknownDialect(t *testing.T) {
	t.Setenv("LLM_DIALECT", "grpc")

	_, err := LoadProviderConfig()
	assert.Error(t, err)
}

func TestLoadSecurityConfig(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	_, err := LoadSecurityConfig()
	assert.Error(t, err)

	t.Setenv("ENCRYPTION_KEY", "unit-test-key")
	security, err := LoadSecurityConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte("unit-test-key"), security.EncryptionKey)
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("SERVER_READ_TIMEOUT", "15s")

	server := LoadServerConfig()
	assert.Equal(t, ":9090", server.Addr)
	assert.Equal(t, 15*time.Second, server.ReadTimeout)
}
