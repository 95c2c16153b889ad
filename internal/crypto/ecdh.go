package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"seismic/pkg/tx"
)

// 对称密钥长度（AES-256）
const SymmetricKeyLength = 32

// hkdfInfo 密钥派生的域分隔串，客户端与节点共享，与AAD版式一起版本化
var hkdfInfo = []byte("seismic-tx-aead")

// SymmetricKey AEAD对称密钥
type SymmetricKey [SymmetricKeyLength]byte

// Keypair 会话临时secp256k1密钥对
// 私钥只归一个流水线/客户端实例所有，逻辑上独立的会话不得复用
type Keypair struct {
	secret *secp256k1.PrivateKey
	public tx.EncryptionPubkey
}

// GenerateKeypair 生成会话临时密钥对
func GenerateKeypair() (*Keypair, error) {
	secret, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("生成临时密钥对失败: %w", err)
	}
	return newKeypair(secret), nil
}

// KeypairFromBytes 从32字节私钥恢复密钥对（节点长期密钥加载用）
func KeypairFromBytes(secret []byte) (*Keypair, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("无效的私钥长度: %d", len(secret))
	}
	return newKeypair(secp256k1.PrivKeyFromBytes(secret)), nil
}

func newKeypair(secret *secp256k1.PrivateKey) *Keypair {
	var public tx.EncryptionPubkey
	copy(public[:], secret.PubKey().SerializeCompressed())
	return &Keypair{secret: secret, public: public}
}

// Public 返回压缩公钥
func (k *Keypair) Public() tx.EncryptionPubkey {
	return k.public
}

// ParsePublicKey 解析并校验压缩公钥
// 非法编码和不在曲线上的点都在任何密码学运算之前被拒绝，
// 绝不允许坏点退化成一个弱密钥
func ParsePublicKey(raw []byte) (*secp256k1.PublicKey, error) {
	if len(raw) != tx.EncryptionPubkeyLength {
		return nil, fmt.Errorf("无效的公钥长度: %d", len(raw))
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("解析公钥失败: %w", err)
	}
	return pub, nil
}

// DeriveSharedSecret 由本地私钥和对端公钥派生对称密钥
// secp256k1 ECDH的x坐标经HKDF-SHA256提取/扩展为均匀的32字节密钥，
// 原始ECDH输出不是均匀随机的，绝不直接当对称密钥用。
// 交换律: DeriveSharedSecret(skA, pkB) == DeriveSharedSecret(skB, pkA)
func (k *Keypair) DeriveSharedSecret(peerPublic tx.EncryptionPubkey) (SymmetricKey, error) {
	var key SymmetricKey

	pub, err := ParsePublicKey(peerPublic.Bytes())
	if err != nil {
		return key, err
	}

	shared := secp256k1.GenerateSharedSecret(k.secret, pub)
	reader := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return SymmetricKey{}, fmt.Errorf("HKDF密钥派生失败: %w", err)
	}
	return key, nil
}
