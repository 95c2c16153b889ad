package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"seismic/pkg/tx"
)

// AEAD认证标签长度（字节）
const TagLength = 16

// ErrAuthentication AEAD认证失败
// 解密在返回任何明文字节之前校验标签，失败是原子的：
// 不存在"部分明文"，也绝不降级成警告
var ErrAuthentication = fmt.Errorf("AEAD认证标签校验失败")

// GenerateNonce 生成新的12字节加密nonce
// 同一对称密钥下nonce重复会彻底破坏机密性，调用方（elements filler）
// 负责会话内的唯一性保障
func GenerateNonce() (tx.EncryptionNonce, error) {
	var nonce tx.EncryptionNonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return tx.EncryptionNonce{}, fmt.Errorf("生成加密nonce失败: %w", err)
	}
	return nonce, nil
}

// Encrypt AES-256-GCM加密
// 输出长度 = len(plaintext) + 16（附加认证标签），AAD参与认证但不加密
func Encrypt(key SymmetricKey, nonce tx.EncryptionNonce, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce.Bytes(), plaintext, aad), nil
}

// Decrypt AES-256-GCM解密
// 密文、标签或AAD的任何一位被篡改都返回ErrAuthentication
func Decrypt(key SymmetricKey, nonce tx.EncryptionNonce, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < TagLength {
		return nil, fmt.Errorf("密文过短: %d字节", len(ciphertext))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce.Bytes(), ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key SymmetricKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("初始化AES失败: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, tx.EncryptionNonceLength)
	if err != nil {
		return nil, fmt.Errorf("初始化GCM失败: %w", err)
	}
	return gcm, nil
}
