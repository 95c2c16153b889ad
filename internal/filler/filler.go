package filler

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"seismic/internal/crypto"
	seiserrors "seismic/internal/errors"
	"seismic/pkg/tx"
)

// Backend 流水线依赖的链上查询接口
// 每个方法对应一次网络往返，也是流水线仅有的挂起点
type Backend interface {
	ChainID(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	LatestBlock(ctx context.Context) (number uint64, hash common.Hash, err error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from common.Address, to common.Address, value *big.Int, data []byte) (uint64, error)
}

// Request 交易准备请求
type Request struct {
	From       common.Address  // 发送方地址
	To         *common.Address // 接收方地址，nil表示合约创建（禁止与加密要素同时出现）
	Value      *big.Int        // 转账金额
	Plaintext  []byte          // 明文calldata，流水线负责加密
	SignedRead bool            // true=认证只读调用，不广播
}

// Env 一次流水线运行的工作区
// prepare阶段把异步查询结果放进来，apply阶段同步消费；
// 多条独立流水线各自持有Env，除缓存的对端公钥外没有共享可变状态
type Env struct {
	Request *Request
	Tx      *tx.TxSeismic

	// prepare阶段产出
	ChainID     uint64
	Nonce       uint64
	BlockNumber uint64
	BlockHash   common.Hash
	GasPrice    *big.Int
	GasEstimate uint64

	// elements阶段产出
	SharedKey crypto.SymmetricKey
	AAD       []byte

	// sign阶段产出
	Signed *tx.SignedTxSeismic
}

// Stage 流水线阶段，两阶段契约：
// Prepare可以做异步外部查询，Apply必须是给定已准备数据下的同步确定性计算
type Stage interface {
	Name() string
	Prepare(ctx context.Context, env *Env) error
	Apply(env *Env) error
}

// 阶段次序（构建时校验，禁止调用方打乱）
// gas估算必须观察到和广播完全相同的字节，所以不能先于加密；
// nonce/chainID必须先于elements，因为过期和新鲜度字段依赖它们
const (
	rankNonce = iota
	rankChainID
	rankElements
	rankGas
	rankSign
)

type rankedStage interface {
	Stage
	rank() int
}

// Pipeline 交易准备流水线
// 固定的阶段序列，每次Run是一条独立的逻辑执行流；
// 同一账户并发提交时的nonce序列化是调用方的责任
type Pipeline struct {
	backend    Backend
	ephemeral  *crypto.Keypair     // 会话临时密钥对，本实例独占
	peerKey    tx.EncryptionPubkey // 对端（TEE）长期公钥，构造时注入且不再改变
	signingKey *ecdsa.PrivateKey
	window     uint64 // 过期窗口（区块数）
	typed      bool   // 启用EIP-712结构化签名模式
	logger     *logrus.Logger

	// 会话内已用加密nonce，守护AEAD的nonce唯一性不变量
	mu         sync.Mutex
	usedNonces map[tx.EncryptionNonce]struct{}
}

// NewPipeline 创建流水线
// 为本会话生成独立的临时密钥对；逻辑上独立的会话不得共享
func NewPipeline(backend Backend, peerKey tx.EncryptionPubkey, signingKey *ecdsa.PrivateKey, window uint64, typed bool, logger *logrus.Logger) (*Pipeline, error) {
	if backend == nil {
		return nil, fmt.Errorf("创建流水线失败: 缺少backend")
	}
	if _, err := crypto.ParsePublicKey(peerKey.Bytes()); err != nil {
		return nil, seiserrors.NewInvalidPublicKey(err)
	}
	if window == 0 {
		window = tx.DefaultFreshnessWindow
	}

	ephemeral, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("创建流水线失败: %w", err)
	}

	return &Pipeline{
		backend:    backend,
		ephemeral:  ephemeral,
		peerKey:    peerKey,
		signingKey: signingKey,
		window:     window,
		typed:      typed,
		logger:     logger,
		usedNonces: make(map[tx.EncryptionNonce]struct{}),
	}, nil
}

// EphemeralPublic 返回会话临时公钥
func (p *Pipeline) EphemeralPublic() tx.EncryptionPubkey {
	return p.ephemeral.Public()
}

// SharedKey 派生本会话与对端的对称密钥
func (p *Pipeline) SharedKey() (crypto.SymmetricKey, error) {
	return p.ephemeral.DeriveSharedSecret(p.peerKey)
}

// buildStages 组装固定次序的阶段序列并做构建时校验
func (p *Pipeline) buildStages(signedRead bool) ([]Stage, error) {
	ranked := []rankedStage{
		&nonceStage{backend: p.backend},
		&chainIDStage{backend: p.backend},
		&elementsStage{pipeline: p},
	}
	if !signedRead {
		// 认证只读调用不广播，跳过gas阶段，由客户端的认证调用替代
		ranked = append(ranked, &gasStage{backend: p.backend})
	}
	if p.signingKey != nil {
		ranked = append(ranked, &signStage{key: p.signingKey})
	}

	stages := make([]Stage, 0, len(ranked))
	previous := -1
	for _, stage := range ranked {
		if stage.rank() <= previous {
			return nil, fmt.Errorf("流水线阶段次序错误: %s", stage.Name())
		}
		previous = stage.rank()
		stages = append(stages, stage)
	}
	return stages, nil
}

// Run 执行一次完整的流水线运行
// 广播之前的任何挂起点都可以放弃运行而没有副作用
func (p *Pipeline) Run(ctx context.Context, request *Request) (*Env, error) {
	if request == nil {
		return nil, fmt.Errorf("流水线运行失败: 请求为空")
	}

	// 预检在任何网络调用之前：创建交易总是明文的，
	// 部署代码无法做"面向接收方"的加密
	if request.To == nil {
		return nil, seiserrors.ErrCreationShielded
	}

	stages, err := p.buildStages(request.SignedRead)
	if err != nil {
		return nil, err
	}

	value := request.Value
	if value == nil {
		value = new(big.Int)
	}
	env := &Env{
		Request: request,
		Tx: &tx.TxSeismic{
			To:    request.To,
			Value: new(big.Int).Set(value),
		},
	}

	for _, stage := range stages {
		if err := stage.Prepare(ctx, env); err != nil {
			return nil, fmt.Errorf("阶段%s准备失败: %w", stage.Name(), err)
		}
		if err := stage.Apply(env); err != nil {
			return nil, fmt.Errorf("阶段%s应用失败: %w", stage.Name(), err)
		}
		if p.logger != nil {
			p.logger.Debugf("流水线阶段完成: %s", stage.Name())
		}
	}

	return env, nil
}

// reserveNonce 登记一个新的加密nonce，重复即硬错误
// 同一(encryption_pubkey, encryption_nonce)对在一个会话内绝不允许出现两次
func (p *Pipeline) reserveNonce(nonce tx.EncryptionNonce) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, used := p.usedNonces[nonce]; used {
		return fmt.Errorf("加密nonce重复")
	}
	p.usedNonces[nonce] = struct{}{}
	return nil
}
