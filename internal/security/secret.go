package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	devSeed  = "extracthub_dev_credential_secret_change_me"
	hkdfInfo = "extracthub/credential/v1"
)

var (
	ErrEmptyPlaintext  = errors.New("待加密内容不能为空")
	ErrEmptyCiphertext = errors.New("密文不能为空")
	ErrBadCiphertext   = errors.New("密文长度无效")
)

// Cipher 凭证加解密器（AES-256-GCM，密文前缀为随机 Nonce）
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 基于口令派生密钥，口令为空时使用开发默认值
func NewCipher(seed string) (*Cipher, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = devSeed
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(seed), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("初始化密钥失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// EncryptSecret 加密 API Key 等敏感字符串
func (c *Cipher) EncryptSecret(plain string) ([]byte, error) {
	if strings.TrimSpace(plain) == "" {
		return nil, ErrEmptyPlaintext
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成随机数失败: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plain), nil), nil
}

// DecryptSecret 对 EncryptSecret 生成的密文进行解密
func (c *Cipher) DecryptSecret(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", ErrEmptyCiphertext
	}
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrBadCiphertext
	}
	plain, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}
	return string(plain), nil
}
