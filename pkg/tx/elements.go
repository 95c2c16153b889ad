package tx

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Seismic交易常量
const (
	// Seismic交易类型前缀（EIP-2718风格的类型字节）
	TxTypeSeismic = byte(0x4A)

	// 压缩secp256k1公钥长度（字节）
	EncryptionPubkeyLength = 33

	// AES-GCM加密nonce长度（字节）
	EncryptionNonceLength = 12

	// recent_block_hash的默认新鲜度窗口（区块数）
	DefaultFreshnessWindow = uint64(100)
)

// 签名消息版本
const (
	// MessageVersionRaw 原始模式：对未签名交易RLP编码的哈希直接签名
	MessageVersionRaw = uint8(0)

	// MessageVersionTyped 结构化模式：EIP-712风格的类型化数据签名，
	// 钱包可以展示字段明细而不是一个不透明哈希
	MessageVersionTyped = uint8(2)
)

// EncryptionPubkey 发送方会话临时公钥（压缩secp256k1格式）
type EncryptionPubkey [EncryptionPubkeyLength]byte

// EncryptionNonce 单笔交易的AEAD加密nonce
type EncryptionNonce [EncryptionNonceLength]byte

// Bytes 返回公钥字节切片
func (pk EncryptionPubkey) Bytes() []byte {
	return pk[:]
}

// Hex 返回十六进制表示
func (pk EncryptionPubkey) Hex() string {
	return hexutil.Encode(pk[:])
}

// Bytes 返回nonce字节切片
func (n EncryptionNonce) Bytes() []byte {
	return n[:]
}

// SeismicElements Seismic交易的加密要素
// 对应0x4A信封中的加密相关字段，全部参与AAD绑定
type SeismicElements struct {
	EncryptionPubkey EncryptionPubkey `json:"encryption_pubkey"` // 发送方临时公钥
	EncryptionNonce  EncryptionNonce  `json:"encryption_nonce"`  // AEAD nonce，同一对称密钥下不得重复
	MessageVersion   uint8            `json:"message_version"`   // 签名哈希模式选择
	RecentBlockHash  common.Hash      `json:"recent_block_hash"` // 新鲜度锚点，必须在窗口内
	ExpiresAtBlock   uint64           `json:"expires_at_block"`  // 过期区块高度
	SignedRead       bool             `json:"signed_read"`       // true=认证只读调用，false=状态变更提交
}

// Complete 检查加密要素是否完整
// 节点拒绝要素不完整的0x4A信封，客户端在签名前也做同样的检查
func (e *SeismicElements) Complete() error {
	if e == nil {
		return fmt.Errorf("缺少Seismic加密要素")
	}
	if e.EncryptionPubkey == (EncryptionPubkey{}) {
		return fmt.Errorf("缺少加密公钥")
	}
	if e.RecentBlockHash == (common.Hash{}) {
		return fmt.Errorf("缺少recent_block_hash")
	}
	if e.ExpiresAtBlock == 0 {
		return fmt.Errorf("缺少过期区块高度")
	}
	if e.MessageVersion != MessageVersionRaw && e.MessageVersion < MessageVersionTyped {
		return fmt.Errorf("无效的消息版本: %d", e.MessageVersion)
	}
	return nil
}

// Copy 深拷贝加密要素
func (e *SeismicElements) Copy() *SeismicElements {
	if e == nil {
		return nil
	}
	cpy := *e
	return &cpy
}
