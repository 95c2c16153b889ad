package filler

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"seismic/internal/crypto"
	"seismic/pkg/tx"
)

// nonceStage 获取并填充账户nonce
type nonceStage struct {
	backend Backend
	pending uint64
}

func (s *nonceStage) Name() string { return "nonce" }
func (s *nonceStage) rank() int    { return rankNonce }

func (s *nonceStage) Prepare(ctx context.Context, env *Env) error {
	nonce, err := s.backend.PendingNonce(ctx, env.Request.From)
	if err != nil {
		return err
	}
	s.pending = nonce
	return nil
}

func (s *nonceStage) Apply(env *Env) error {
	env.Nonce = s.pending
	env.Tx.Nonce = s.pending
	return nil
}

// chainIDStage 获取并填充链ID
type chainIDStage struct {
	backend Backend
	chainID uint64
}

func (s *chainIDStage) Name() string { return "chain_id" }
func (s *chainIDStage) rank() int    { return rankChainID }

func (s *chainIDStage) Prepare(ctx context.Context, env *Env) error {
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return err
	}
	s.chainID = chainID
	return nil
}

func (s *chainIDStage) Apply(env *Env) error {
	env.ChainID = s.chainID
	env.Tx.ChainID = s.chainID
	return nil
}

// elementsStage 加密要素阶段
// prepare取最新区块作为新鲜度锚点；apply生成加密nonce、
// 派生对称密钥、在AAD绑定下加密calldata并把要素挂到交易上
type elementsStage struct {
	pipeline    *Pipeline
	blockNumber uint64
	blockHash   [32]byte
}

func (s *elementsStage) Name() string { return "elements" }
func (s *elementsStage) rank() int    { return rankElements }

func (s *elementsStage) Prepare(ctx context.Context, env *Env) error {
	number, hash, err := s.pipeline.backend.LatestBlock(ctx)
	if err != nil {
		return err
	}
	s.blockNumber = number
	s.blockHash = hash
	return nil
}

func (s *elementsStage) Apply(env *Env) error {
	version := tx.MessageVersionRaw
	if s.pipeline.typed {
		version = tx.MessageVersionTyped
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return err
	}
	if err := s.pipeline.reserveNonce(nonce); err != nil {
		return err
	}

	env.BlockNumber = s.blockNumber
	env.BlockHash = s.blockHash

	env.Tx.Elements = &tx.SeismicElements{
		EncryptionPubkey: s.pipeline.EphemeralPublic(),
		EncryptionNonce:  nonce,
		MessageVersion:   version,
		RecentBlockHash:  s.blockHash,
		ExpiresAtBlock:   s.blockNumber + s.pipeline.window,
		SignedRead:       env.Request.SignedRead,
	}

	// AAD = 确定性编码的交易元数据；gas字段刻意不参与，
	// 后面的gas阶段回填时不会使认证标签失效
	metadata, err := tx.BuildMetadata(env.Request.From, env.ChainID, env.Nonce, *env.Tx.To, env.Tx.Value, env.Tx.Elements)
	if err != nil {
		return err
	}
	aad, err := metadata.EncodeAAD()
	if err != nil {
		return err
	}

	key, err := s.pipeline.SharedKey()
	if err != nil {
		return err
	}

	ciphertext, err := crypto.Encrypt(key, nonce, env.Request.Plaintext, aad)
	if err != nil {
		return err
	}

	env.SharedKey = key
	env.AAD = aad
	env.Tx.Data = ciphertext
	return nil
}

// gasStage 在已加密的载荷上估算gas
// 估算观察到的字节必须和最终广播的完全一致
type gasStage struct {
	backend  Backend
	estimate uint64
}

func (s *gasStage) Name() string { return "gas" }
func (s *gasStage) rank() int    { return rankGas }

func (s *gasStage) Prepare(ctx context.Context, env *Env) error {
	if env.Tx.Data == nil || env.Tx.Elements == nil {
		return fmt.Errorf("gas估算必须在加密之后")
	}

	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	env.GasPrice = price

	estimate, err := s.backend.EstimateGas(ctx, env.Request.From, *env.Tx.To, env.Tx.Value, env.Tx.Data)
	if err != nil {
		return err
	}
	s.estimate = estimate
	return nil
}

func (s *gasStage) Apply(env *Env) error {
	env.GasEstimate = s.estimate
	env.Tx.GasLimit = s.estimate
	env.Tx.GasPrice = env.GasPrice
	return nil
}

// signStage 用模式对应的哈希签名
type signStage struct {
	key *ecdsa.PrivateKey
}

func (s *signStage) Name() string { return "sign" }
func (s *signStage) rank() int    { return rankSign }

func (s *signStage) Prepare(ctx context.Context, env *Env) error {
	return nil // 纯同步计算，没有外部查询
}

func (s *signStage) Apply(env *Env) error {
	signed, err := env.Tx.Sign(s.key)
	if err != nil {
		return err
	}
	env.Signed = signed
	return nil
}
