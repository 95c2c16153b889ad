package tx

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxSeismic Seismic屏蔽交易（类型0x4A）
// 生命周期: 调用方构建空交易 → filler流水线填充nonce/chainID/加密要素/gas
// → calldata替换为密文 → 签名 → 编码为不可变的线格式字节
type TxSeismic struct {
	ChainID  uint64           `json:"chain_id"`
	Nonce    uint64           `json:"nonce"`
	GasPrice *big.Int         `json:"gas_price"`
	GasLimit uint64           `json:"gas_limit"`
	To       *common.Address  `json:"to"` // nil表示合约创建，Seismic交易不允许
	Value    *big.Int         `json:"value"`
	Data     []byte           `json:"data"` // 加密前为明文calldata，加密后为密文+16字节认证标签
	Elements *SeismicElements `json:"seismic"`
}

// Signature 交易签名，V为0/1的y奇偶位（非遗留的27/28）
type Signature struct {
	V uint8    `json:"v"`
	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
}

// SignedTxSeismic 已签名的Seismic交易
// 终态对象：提交一次后节点要么执行要么拒绝，没有中间状态
type SignedTxSeismic struct {
	Tx        *TxSeismic `json:"tx"`
	Signature *Signature `json:"signature"`
}

// wireTx 0x4A信封的RLP载荷，16个字段的扁平列表
type wireTx struct {
	ChainID          uint64
	Nonce            uint64
	GasPrice         *big.Int
	GasLimit         uint64
	To               common.Address
	Value            *big.Int
	Data             []byte
	EncryptionPubkey EncryptionPubkey
	EncryptionNonce  EncryptionNonce
	MessageVersion   uint8
	RecentBlockHash  common.Hash
	ExpiresAtBlock   uint64
	SignedRead       bool
	V                uint8
	R                *big.Int
	S                *big.Int
}

// Copy 深拷贝交易
func (t *TxSeismic) Copy() *TxSeismic {
	cpy := &TxSeismic{
		ChainID:  t.ChainID,
		Nonce:    t.Nonce,
		GasLimit: t.GasLimit,
		Elements: t.Elements.Copy(),
	}
	if t.GasPrice != nil {
		cpy.GasPrice = new(big.Int).Set(t.GasPrice)
	}
	if t.To != nil {
		to := *t.To
		cpy.To = &to
	}
	if t.Value != nil {
		cpy.Value = new(big.Int).Set(t.Value)
	}
	if t.Data != nil {
		cpy.Data = append([]byte(nil), t.Data...)
	}
	return cpy
}

// Validate 检查交易结构是否可以上线
func (t *TxSeismic) Validate() error {
	if t.To == nil {
		return fmt.Errorf("Seismic交易不支持合约创建（to为空）")
	}
	if err := t.Elements.Complete(); err != nil {
		return fmt.Errorf("加密要素不完整: %w", err)
	}
	return nil
}

// Encode 编码为带0x4A类型前缀的线格式字节
func (s *SignedTxSeismic) Encode() ([]byte, error) {
	if s.Tx == nil || s.Signature == nil {
		return nil, fmt.Errorf("编码失败: 交易或签名为空")
	}
	if err := s.Tx.Validate(); err != nil {
		return nil, fmt.Errorf("编码失败: %w", err)
	}

	t := s.Tx
	gasPrice := t.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	value := t.Value
	if value == nil {
		value = new(big.Int)
	}

	payload := &wireTx{
		ChainID:          t.ChainID,
		Nonce:            t.Nonce,
		GasPrice:         gasPrice,
		GasLimit:         t.GasLimit,
		To:               *t.To,
		Value:            value,
		Data:             t.Data,
		EncryptionPubkey: t.Elements.EncryptionPubkey,
		EncryptionNonce:  t.Elements.EncryptionNonce,
		MessageVersion:   t.Elements.MessageVersion,
		RecentBlockHash:  t.Elements.RecentBlockHash,
		ExpiresAtBlock:   t.Elements.ExpiresAtBlock,
		SignedRead:       t.Elements.SignedRead,
		V:                s.Signature.V,
		R:                s.Signature.R,
		S:                s.Signature.S,
	}

	var buf bytes.Buffer
	buf.WriteByte(TxTypeSeismic)
	if err := rlp.Encode(&buf, payload); err != nil {
		return nil, fmt.Errorf("RLP编码失败: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode 从线格式字节解析已签名的Seismic交易
// 只做结构解析，要素完整性由接收方检查
// 节点在验证和解密前的第一步
func Decode(raw []byte) (*SignedTxSeismic, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("解码失败: 数据过短")
	}
	if raw[0] != TxTypeSeismic {
		return nil, fmt.Errorf("解码失败: 非Seismic交易类型 0x%02x", raw[0])
	}

	var payload wireTx
	if err := rlp.DecodeBytes(raw[1:], &payload); err != nil {
		return nil, fmt.Errorf("RLP解码失败: %w", err)
	}

	to := payload.To
	signed := &SignedTxSeismic{
		Tx: &TxSeismic{
			ChainID:  payload.ChainID,
			Nonce:    payload.Nonce,
			GasPrice: payload.GasPrice,
			GasLimit: payload.GasLimit,
			To:       &to,
			Value:    payload.Value,
			Data:     payload.Data,
			Elements: &SeismicElements{
				EncryptionPubkey: payload.EncryptionPubkey,
				EncryptionNonce:  payload.EncryptionNonce,
				MessageVersion:   payload.MessageVersion,
				RecentBlockHash:  payload.RecentBlockHash,
				ExpiresAtBlock:   payload.ExpiresAtBlock,
				SignedRead:       payload.SignedRead,
			},
		},
		Signature: &Signature{
			V: payload.V,
			R: payload.R,
			S: payload.S,
		},
	}

	return signed, nil
}

// HasStrayElements 检查非0x4A载荷是否夹带了Seismic加密要素
// 加密要素只在0x4A信封里有意义，其他信封携带它们属于协议误用
func HasStrayElements(raw []byte) bool {
	if len(raw) < 2 || raw[0] == TxTypeSeismic {
		return false
	}

	payload := raw
	if payload[0] < 0xc0 { // 其他EIP-2718类型前缀，跳过类型字节
		payload = payload[1:]
	}

	var w wireTx
	if err := rlp.DecodeBytes(payload, &w); err != nil {
		return false
	}
	return w.EncryptionPubkey != (EncryptionPubkey{}) || w.RecentBlockHash != (common.Hash{})
}

// Hash 计算已签名交易的哈希（keccak256整个信封字节）
func (s *SignedTxSeismic) Hash() (common.Hash, error) {
	raw, err := s.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(raw), nil
}
