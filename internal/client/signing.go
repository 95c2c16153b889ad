package client

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"seismic/internal/crypto"
	seiserrors "seismic/internal/errors"
	"seismic/internal/filler"
	"seismic/pkg/tx"
)

// SigningClient 签名客户端
// 在只读能力之上增加认证调用与状态变更提交；
// 构造时恰好获取一次对端TEE公钥并缓存到实例生命周期结束，
// 密钥轮换通过显式的重建路径完成，不在原实例上改写
type SigningClient struct {
	*ReadClient

	signingKey *ecdsa.PrivateKey
	sender     common.Address
	peerKey    tx.EncryptionPubkey // 构造时设置，之后只读
	pipeline   *filler.Pipeline
	logger     *logrus.Logger
}

// SigningClientOptions 签名客户端选项
type SigningClientOptions struct {
	Endpoint          string
	SigningKey        *ecdsa.PrivateKey
	ExpiryWindow      uint64
	StructuredSigning bool
}

// NewSigningClient 创建签名客户端
// 对端公钥获取失败则整个构造失败：不存在缺少密钥仍可用的实例
func NewSigningClient(ctx context.Context, opts *SigningClientOptions, logger *logrus.Logger) (*SigningClient, error) {
	if opts == nil || opts.SigningKey == nil {
		return nil, fmt.Errorf("创建签名客户端失败: 缺少签名私钥")
	}

	readClient, err := NewReadClient(ctx, opts.Endpoint, logger)
	if err != nil {
		return nil, err
	}
	return newSigningClient(ctx, readClient, opts, logger)
}

// newSigningClient 在已建立的只读客户端之上完成签名客户端装配
func newSigningClient(ctx context.Context, readClient *ReadClient, opts *SigningClientOptions, logger *logrus.Logger) (*SigningClient, error) {
	peerKey, err := readClient.TeePublicKey(ctx)
	if err != nil {
		readClient.Close()
		return nil, fmt.Errorf("获取TEE公钥失败: %w", err)
	}

	pipeline, err := filler.NewPipeline(readClient, peerKey, opts.SigningKey, opts.ExpiryWindow, opts.StructuredSigning, logger)
	if err != nil {
		readClient.Close()
		return nil, err
	}

	sender := gethPubkeyAddress(opts.SigningKey)
	logger.Infof("签名客户端已就绪，sender: %s，TEE公钥: %s", sender.Hex(), peerKey.Hex())

	return &SigningClient{
		ReadClient: readClient,
		signingKey: opts.SigningKey,
		sender:     sender,
		peerKey:    peerKey,
		pipeline:   pipeline,
		logger:     logger,
	}, nil
}

// WithRefreshedKey 密钥轮换后的显式重建路径
// 返回全新实例（新的TEE公钥缓存和新的会话临时密钥对），原实例保持不变
func (c *SigningClient) WithRefreshedKey(ctx context.Context, opts *SigningClientOptions) (*SigningClient, error) {
	return NewSigningClient(ctx, opts, c.logger)
}

// Sender 返回签名地址
func (c *SigningClient) Sender() common.Address {
	return c.sender
}

// PeerKey 返回缓存的TEE公钥
func (c *SigningClient) PeerKey() tx.EncryptionPubkey {
	return c.peerKey
}

// Send 构建、加密、签名并提交一笔屏蔽交易
// 失败时区分"确定未广播"（同nonce可安全重试）与
// "已广播但结果未知"（必须先查链上状态）
func (c *SigningClient) Send(ctx context.Context, to common.Address, value *big.Int, plaintext []byte) (common.Hash, error) {
	env, err := c.pipeline.Run(ctx, &filler.Request{
		From:      c.sender,
		To:        &to,
		Value:     value,
		Plaintext: plaintext,
	})
	if err != nil {
		return common.Hash{}, wrapNeverBroadcast(err)
	}

	raw, err := env.Signed.Encode()
	if err != nil {
		return common.Hash{}, wrapNeverBroadcast(err)
	}

	var txHash common.Hash
	if err := c.backend.caller.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		// 广播一旦发出就不可取消；响应丢失时结果未知
		return common.Hash{}, seiserrors.NewRPCUnreachable(err).
			WithBroadcastState(seiserrors.BroadcastUnknown).
			WithContext("nonce", env.Tx.Nonce)
	}

	c.logger.Infof("屏蔽交易已提交: %s", txHash.Hex())
	return txHash, nil
}

// SignedCall 认证只读调用
// 同一0x4A信封（signed_read=true）但不广播；节点解密调用输入、
// 加密返回值，这里解密响应
func (c *SigningClient) SignedCall(ctx context.Context, to common.Address, value *big.Int, plaintext []byte) ([]byte, error) {
	env, err := c.pipeline.Run(ctx, &filler.Request{
		From:       c.sender,
		To:         &to,
		Value:      value,
		Plaintext:  plaintext,
		SignedRead: true,
	})
	if err != nil {
		return nil, err
	}

	raw, err := env.Signed.Encode()
	if err != nil {
		return nil, err
	}

	var result tx.EncryptedCallResult
	if err := c.backend.caller.CallContext(ctx, &result, "eth_call", hexutil.Bytes(raw), "latest"); err != nil {
		return nil, seiserrors.NewRPCUnreachable(err)
	}

	nonce, ok := result.DecodeNonce()
	if !ok {
		return nil, seiserrors.NewMalformedResponse(fmt.Errorf("响应nonce长度错误: %d", len(result.Nonce)))
	}

	plaintextResult, err := crypto.Decrypt(env.SharedKey, nonce, result.Data, env.AAD)
	if err != nil {
		return nil, seiserrors.NewAEADAuthentication(err)
	}
	return plaintextResult, nil
}

// wrapNeverBroadcast 流水线阶段失败都发生在广播之前
// 预定义错误是共享变量，标记广播状态前先做浅拷贝
func wrapNeverBroadcast(err error) error {
	if seismicErr, ok := err.(*seiserrors.SeismicError); ok {
		cloned := *seismicErr
		return cloned.WithBroadcastState(seiserrors.BroadcastNever)
	}
	return seiserrors.WrapError(err, seiserrors.ErrorTypeSystem, seiserrors.SeverityMedium, "PIPELINE_FAILED", "交易准备失败").
		WithBroadcastState(seiserrors.BroadcastNever)
}

// gethPubkeyAddress 由签名私钥推导发送方地址
func gethPubkeyAddress(key *ecdsa.PrivateKey) common.Address {
	return gethcrypto.PubkeyToAddress(key.PublicKey)
}
