package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAESEncryption_RoundTrip 加解密往返
func TestAESEncryption_RoundTrip(t *testing.T) {
	enc, err := NewAESEncryption([]byte("test-encryption-key"))
	require.NoError(t, err)

	plaintext := "p@ssw0rd-含中文"
	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

// TestAESEncryption_NonceVaries 相同明文每次密文不同
func TestAESEncryption_NonceVaries(t *testing.T) {
	enc, err := NewAESEncryption([]byte("test-encryption-key"))
	require.NoError(t, err)

	first, err := enc.Encrypt("secret")
	require.NoError(t, err)
	second, err := enc.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

// TestAESEncryption_WrongKeyFails 错误密钥解密失败
func TestAESEncryption_WrongKeyFails(t *testing.T) {
	enc, err := NewAESEncryption([]byte("key-one"))
	require.NoError(t, err)
	other, err := NewAESEncryption([]byte("key-two"))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("secret")
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

// TestAESEncryption_InvalidCiphertext 非法密文报错而不是崩溃
func TestAESEncryption_InvalidCiphertext(t *testing.T) {
	enc, err := NewAESEncryption([]byte("test-encryption-key"))
	require.NoError(t, err)

	_, err = enc.Decrypt("不是base64")
	assert.Error(t, err)

	_, err = enc.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}
