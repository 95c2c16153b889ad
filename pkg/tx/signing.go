package tx

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// SigningMode 签名哈希模式
// 两种模式互斥，由message_version选择；线格式完全相同，
// 只有节点的验签路径按version分派，用tagged union避免两条路径各自演化后悄悄分叉
type SigningMode uint8

const (
	// SigningModeRaw 对未签名交易的类型化RLP编码取keccak256
	SigningModeRaw SigningMode = iota

	// SigningModeTyped EIP-712风格: keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash)
	SigningModeTyped
)

// EIP-712域参数
const (
	typedDomainName    = "Seismic Transaction"
	typedDomainVersion = "2"
)

var (
	typedDomainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	typedStructTypeHash = crypto.Keccak256([]byte("SeismicTx(uint64 chainId,uint64 nonce,uint256 gasPrice,uint64 gasLimit,address to,uint256 value,bytes data,bytes encryptionPubkey,bytes12 encryptionNonce,bytes32 recentBlockHash,uint64 expiresAtBlock,bool signedRead)"))
)

// ModeFor 根据message_version返回签名模式
func ModeFor(messageVersion uint8) (SigningMode, error) {
	switch {
	case messageVersion == MessageVersionRaw:
		return SigningModeRaw, nil
	case messageVersion >= MessageVersionTyped:
		return SigningModeTyped, nil
	default:
		return 0, fmt.Errorf("不支持的消息版本: %d", messageVersion)
	}
}

// SigningHash 计算模式对应的签名哈希
// 唯一的分派点：两种模式都从这里走，防止调用方各写一份
func (t *TxSeismic) SigningHash() (common.Hash, error) {
	if err := t.Validate(); err != nil {
		return common.Hash{}, err
	}
	mode, err := ModeFor(t.Elements.MessageVersion)
	if err != nil {
		return common.Hash{}, err
	}
	switch mode {
	case SigningModeRaw:
		return t.rawSigningHash()
	case SigningModeTyped:
		return t.typedSigningHash()
	default:
		return common.Hash{}, fmt.Errorf("未知签名模式: %d", mode)
	}
}

// unsignedWireTx 未签名部分的RLP载荷（13个字段，原始模式哈希的输入）
type unsignedWireTx struct {
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
}

// rawSigningHash 原始模式: keccak256(0x4A ‖ rlp(未签名字段))
func (t *TxSeismic) rawSigningHash() (common.Hash, error) {
	gasPrice := t.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	value := t.Value
	if value == nil {
		value = new(big.Int)
	}
	payload := &unsignedWireTx{
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
	}

	var buf bytes.Buffer
	buf.WriteByte(TxTypeSeismic)
	if err := rlp.Encode(&buf, payload); err != nil {
		return common.Hash{}, fmt.Errorf("编码签名载荷失败: %w", err)
	}
	return crypto.Keccak256Hash(buf.Bytes()), nil
}

// typedSigningHash 结构化模式: keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash)
func (t *TxSeismic) typedSigningHash() (common.Hash, error) {
	domain := typedDomainSeparator(t.ChainID)
	structHash := t.typedStructHash()

	var buf bytes.Buffer
	buf.WriteByte(0x19)
	buf.WriteByte(0x01)
	buf.Write(domain[:])
	buf.Write(structHash[:])
	return crypto.Keccak256Hash(buf.Bytes()), nil
}

// typedDomainSeparator 域分隔符，按chainId区分链
func typedDomainSeparator(chainID uint64) common.Hash {
	var buf bytes.Buffer
	buf.Write(typedDomainTypeHash)
	buf.Write(crypto.Keccak256([]byte(typedDomainName)))
	buf.Write(crypto.Keccak256([]byte(typedDomainVersion)))
	buf.Write(padUint64(chainID))
	return crypto.Keccak256Hash(buf.Bytes())
}

// typedStructHash 结构体哈希
// 静态字段编码为32字节左填充的字；动态字段（data、encryptionPubkey）
// 编码为各自内容的keccak256；bytes12右填充，bool编码为0/1的字
func (t *TxSeismic) typedStructHash() common.Hash {
	gasPrice := t.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	value := t.Value
	if value == nil {
		value = new(big.Int)
	}

	var buf bytes.Buffer
	buf.Write(typedStructTypeHash)
	buf.Write(padUint64(t.ChainID))
	buf.Write(padUint64(t.Nonce))
	buf.Write(padBig(gasPrice))
	buf.Write(padUint64(t.GasLimit))
	buf.Write(padAddress(*t.To))
	buf.Write(padBig(value))
	buf.Write(crypto.Keccak256(t.Data))
	buf.Write(crypto.Keccak256(t.Elements.EncryptionPubkey.Bytes()))
	buf.Write(padRight(t.Elements.EncryptionNonce.Bytes()))
	buf.Write(t.Elements.RecentBlockHash.Bytes())
	buf.Write(padUint64(t.Elements.ExpiresAtBlock))
	buf.Write(padBool(t.Elements.SignedRead))
	return crypto.Keccak256Hash(buf.Bytes())
}

func padUint64(v uint64) []byte {
	return padBig(new(big.Int).SetUint64(v))
}

func padBig(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func padAddress(addr common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr.Bytes())
	return out
}

func padRight(b []byte) []byte {
	out := make([]byte, 32)
	copy(out, b)
	return out
}

func padBool(v bool) []byte {
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out
}

// Sign 用模式对应的哈希产生ECDSA签名，返回已签名交易
func (t *TxSeismic) Sign(key *ecdsa.PrivateKey) (*SignedTxSeismic, error) {
	hash, err := t.SigningHash()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("ECDSA签名失败: %w", err)
	}
	return &SignedTxSeismic{
		Tx: t.Copy(),
		Signature: &Signature{
			V: sig[64], // crypto.Sign输出的V就是0/1奇偶位
			R: new(big.Int).SetBytes(sig[:32]),
			S: new(big.Int).SetBytes(sig[32:64]),
		},
	}, nil
}

// RecoverSender 从签名恢复发送方地址
// 节点侧用恢复结果构建AAD中的sender字段；恢复失败或签名无效都是硬错误
func (s *SignedTxSeismic) RecoverSender() (common.Address, error) {
	if s.Tx == nil || s.Signature == nil {
		return common.Address{}, fmt.Errorf("恢复发送方失败: 交易或签名为空")
	}
	if s.Signature.V > 1 {
		return common.Address{}, fmt.Errorf("恢复发送方失败: 无效的奇偶位 %d", s.Signature.V)
	}

	hash, err := s.Tx.SigningHash()
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, 65)
	s.Signature.R.FillBytes(sig[:32])
	s.Signature.S.FillBytes(sig[32:64])
	sig[64] = s.Signature.V

	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
