package tx

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EncryptedCallResult 认证只读调用的加密响应信封
// 节点用请求同一对称密钥、自选的新nonce加密返回值；
// AAD沿用请求的元数据编码，客户端据此解密
type EncryptedCallResult struct {
	Nonce hexutil.Bytes `json:"nonce"` // 节点选择的12字节nonce
	Data  hexutil.Bytes `json:"data"`  // 密文+认证标签
}

// DecodeNonce 解析响应nonce
func (r *EncryptedCallResult) DecodeNonce() (EncryptionNonce, bool) {
	var nonce EncryptionNonce
	if len(r.Nonce) != EncryptionNonceLength {
		return nonce, false
	}
	copy(nonce[:], r.Nonce)
	return nonce, true
}
