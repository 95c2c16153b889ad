package client

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"seismic/internal/crypto"
	seiserrors "seismic/internal/errors"
	"seismic/pkg/tx"
)

// ReadClient 只读客户端
// 不持有本地私钥：可以查询链上状态、获取对端TEE公钥、
// 发起未认证调用（sender强制为全零占位）
type ReadClient struct {
	backend  *rpcBackend
	endpoint string
	logger   *logrus.Logger
}

// NewReadClient 创建只读客户端
func NewReadClient(ctx context.Context, endpoint string, logger *logrus.Logger) (*ReadClient, error) {
	backend, err := dialBackend(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	logger.Infof("只读客户端已连接: %s", endpoint)

	return &ReadClient{
		backend:  backend,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// ChainID 获取链ID
func (c *ReadClient) ChainID(ctx context.Context) (uint64, error) {
	return c.backend.ChainID(ctx)
}

// PendingNonce 获取账户的pending nonce
func (c *ReadClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.PendingNonce(ctx, account)
}

// LatestBlock 获取最新区块号和哈希
func (c *ReadClient) LatestBlock(ctx context.Context) (uint64, common.Hash, error) {
	return c.backend.LatestBlock(ctx)
}

// SuggestGasPrice 获取建议gas价格
func (c *ReadClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.backend.SuggestGasPrice(ctx)
}

// EstimateGas 估算gas
func (c *ReadClient) EstimateGas(ctx context.Context, from common.Address, to common.Address, value *big.Int, data []byte) (uint64, error) {
	return c.backend.EstimateGas(ctx, from, to, value, data)
}

// TeePublicKey 获取节点TEE的长期公钥（压缩33字节）
func (c *ReadClient) TeePublicKey(ctx context.Context) (tx.EncryptionPubkey, error) {
	var raw hexutil.Bytes
	if err := c.backend.caller.CallContext(ctx, &raw, "seismic_getTeePublicKey"); err != nil {
		return tx.EncryptionPubkey{}, seiserrors.NewRPCUnreachable(err)
	}
	if len(raw) != tx.EncryptionPubkeyLength {
		return tx.EncryptionPubkey{}, seiserrors.NewMalformedResponse(fmt.Errorf("TEE公钥长度错误: %d", len(raw)))
	}
	if _, err := crypto.ParsePublicKey(raw); err != nil {
		return tx.EncryptionPubkey{}, seiserrors.NewInvalidPublicKey(err)
	}

	var key tx.EncryptionPubkey
	copy(key[:], raw)
	return key, nil
}

// Call 未认证调用
// 调用方身份被清零：from字段固定为全零占位地址
func (c *ReadClient) Call(ctx context.Context, to common.Address, value *big.Int, data []byte) ([]byte, error) {
	args := CallArgs{
		From: common.Address{}, // 未认证调用的sender占位
		To:   &to,
		Data: data,
	}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}

	var result hexutil.Bytes
	if err := c.backend.caller.CallContext(ctx, &result, "eth_call", args, "latest"); err != nil {
		return nil, seiserrors.NewRPCUnreachable(err)
	}
	return result, nil
}

// StorageAt 读取存储槽
// 目标槽为私有时节点返回显式错误，不降级为零值
func (c *ReadClient) StorageAt(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	var result common.Hash
	if err := c.backend.caller.CallContext(ctx, &result, "eth_getStorageAt", account, slot, "latest"); err != nil {
		return common.Hash{}, seiserrors.WrapError(err, seiserrors.ErrorTypeStorage, seiserrors.SeverityLow, "STORAGE_READ_FAILED", "存储读取失败")
	}
	return result, nil
}

// Close 关闭客户端
func (c *ReadClient) Close() {
	c.backend.Close()
}
