package tx

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// TransactionMetadata 交易认证上下文
// 确定性编码后作为每次AEAD操作的附加认证数据（AAD），
// 客户端和节点必须从交易字段独立重建出逐字节一致的编码，
// 任何偏差都会导致认证标签校验失败（这正是防篡改的来源）。
//
// gas_price/gas_limit 刻意不参与AAD：gas估算必须在加密之后
// 对密文进行，估算结果回填gas字段时不能使已算出的认证标签失效。
type TransactionMetadata struct {
	Sender   common.Address   // 发送方地址，未认证调用时为全零占位
	ChainID  uint64           // 链ID
	Nonce    uint64           // 账户nonce
	To       common.Address   // 接收方地址（Seismic交易禁止合约创建，必填）
	Value    *big.Int         // 转账金额
	Elements *SeismicElements // 加密要素
}

// aadPayload AAD的RLP线格式，字段顺序是客户端/节点共享的版式，不可调整
type aadPayload struct {
	Sender           common.Address
	ChainID          uint64
	Nonce            uint64
	To               common.Address
	Value            *big.Int
	EncryptionPubkey EncryptionPubkey
	EncryptionNonce  EncryptionNonce
	MessageVersion   uint8
	RecentBlockHash  common.Hash
	ExpiresAtBlock   uint64
	SignedRead       bool
}

// BuildMetadata 组装交易认证上下文
func BuildMetadata(sender common.Address, chainID, nonce uint64, to common.Address, value *big.Int, elements *SeismicElements) (*TransactionMetadata, error) {
	if elements == nil {
		return nil, fmt.Errorf("构建元数据失败: 缺少加密要素")
	}
	if value == nil {
		value = new(big.Int)
	}
	return &TransactionMetadata{
		Sender:   sender,
		ChainID:  chainID,
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Elements: elements.Copy(),
	}, nil
}

// EncodeAAD 把元数据确定性编码为AAD字节
func (m *TransactionMetadata) EncodeAAD() ([]byte, error) {
	if m == nil || m.Elements == nil {
		return nil, fmt.Errorf("编码AAD失败: 元数据不完整")
	}
	value := m.Value
	if value == nil {
		value = new(big.Int)
	}
	payload := &aadPayload{
		Sender:           m.Sender,
		ChainID:          m.ChainID,
		Nonce:            m.Nonce,
		To:               m.To,
		Value:            value,
		EncryptionPubkey: m.Elements.EncryptionPubkey,
		EncryptionNonce:  m.Elements.EncryptionNonce,
		MessageVersion:   m.Elements.MessageVersion,
		RecentBlockHash:  m.Elements.RecentBlockHash,
		ExpiresAtBlock:   m.Elements.ExpiresAtBlock,
		SignedRead:       m.Elements.SignedRead,
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("编码AAD失败: %w", err)
	}
	return encoded, nil
}

// MetadataFromTransaction 节点侧从交易字段重建认证上下文
// sender由签名恢复得到；重建结果必须与客户端构建时逐字节一致
func MetadataFromTransaction(sender common.Address, t *TxSeismic) (*TransactionMetadata, error) {
	if t == nil {
		return nil, fmt.Errorf("重建元数据失败: 交易为空")
	}
	if t.To == nil {
		return nil, fmt.Errorf("重建元数据失败: Seismic交易缺少接收方地址")
	}
	return BuildMetadata(sender, t.ChainID, t.Nonce, *t.To, t.Value, t.Elements)
}
