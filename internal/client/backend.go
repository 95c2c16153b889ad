package client

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	seiserrors "seismic/internal/errors"
)

// rpcCaller JSON-RPC传输的最小接口，*rpc.Client天然满足
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// CallArgs eth_call / eth_estimateGas的参数对象
type CallArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// blockHeader eth_getBlockByNumber响应中用到的字段
type blockHeader struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   common.Hash    `json:"hash"`
}

// rpcBackend 把filler.Backend映射到标准JSON-RPC方法
type rpcBackend struct {
	caller   rpcCaller
	endpoint string
}

// dialBackend 连接RPC节点
func dialBackend(ctx context.Context, endpoint string) (*rpcBackend, error) {
	caller, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, seiserrors.NewRPCUnreachable(err)
	}
	return &rpcBackend{caller: caller, endpoint: endpoint}, nil
}

// ChainID 获取链ID
func (b *rpcBackend) ChainID(ctx context.Context) (uint64, error) {
	var result hexutil.Big
	if err := b.caller.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return 0, seiserrors.NewRPCUnreachable(err)
	}
	return result.ToInt().Uint64(), nil
}

// PendingNonce 获取账户的pending nonce
func (b *rpcBackend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var result hexutil.Uint64
	if err := b.caller.CallContext(ctx, &result, "eth_getTransactionCount", account, "pending"); err != nil {
		return 0, seiserrors.NewRPCUnreachable(err)
	}
	return uint64(result), nil
}

// LatestBlock 获取最新区块号和哈希
func (b *rpcBackend) LatestBlock(ctx context.Context) (uint64, common.Hash, error) {
	var header *blockHeader
	if err := b.caller.CallContext(ctx, &header, "eth_getBlockByNumber", "latest", false); err != nil {
		return 0, common.Hash{}, seiserrors.NewRPCUnreachable(err)
	}
	if header == nil {
		return 0, common.Hash{}, seiserrors.NewMalformedResponse(fmt.Errorf("最新区块为空"))
	}
	return uint64(header.Number), header.Hash, nil
}

// SuggestGasPrice 获取建议gas价格
func (b *rpcBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := b.caller.CallContext(ctx, &result, "eth_gasPrice"); err != nil {
		return nil, seiserrors.NewRPCUnreachable(err)
	}
	return result.ToInt(), nil
}

// EstimateGas 在给定载荷（密文）上估算gas
func (b *rpcBackend) EstimateGas(ctx context.Context, from common.Address, to common.Address, value *big.Int, data []byte) (uint64, error) {
	args := CallArgs{From: from, To: &to, Data: data}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}

	var result hexutil.Uint64
	if err := b.caller.CallContext(ctx, &result, "eth_estimateGas", args); err != nil {
		return 0, seiserrors.NewRPCUnreachable(err)
	}
	return uint64(result), nil
}

// Close 关闭底层连接
func (b *rpcBackend) Close() {
	b.caller.Close()
}
