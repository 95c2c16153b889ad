package filler

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seismic/internal/crypto"
	"seismic/pkg/tx"
)

// stubBackend 测试用backend，记录gas估算看到的字节
type stubBackend struct {
	mu           sync.Mutex
	chainID      uint64
	nonce        uint64
	blockNumber  uint64
	blockHash    common.Hash
	gasPrice     *big.Int
	gasEstimate  uint64
	calls        int
	estimateData []byte
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		chainID:     5124,
		nonce:       7,
		blockNumber: 1000,
		blockHash:   common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
		gasPrice:    big.NewInt(1000000000),
		gasEstimate: 50000,
	}
}

func (b *stubBackend) recordCall() {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
}

func (b *stubBackend) ChainID(ctx context.Context) (uint64, error) {
	b.recordCall()
	return b.chainID, nil
}

func (b *stubBackend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	b.recordCall()
	return b.nonce, nil
}

func (b *stubBackend) LatestBlock(ctx context.Context) (uint64, common.Hash, error) {
	b.recordCall()
	return b.blockNumber, b.blockHash, nil
}

func (b *stubBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.recordCall()
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *stubBackend) EstimateGas(ctx context.Context, from common.Address, to common.Address, value *big.Int, data []byte) (uint64, error) {
	b.recordCall()
	b.mu.Lock()
	b.estimateData = append([]byte(nil), data...)
	b.mu.Unlock()
	return b.gasEstimate, nil
}

func newTestPipeline(t *testing.T, backend Backend, typed bool) (*Pipeline, *crypto.Keypair) {
	t.Helper()

	teeKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	signingKey, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pipeline, err := NewPipeline(backend, teeKey.Public(), signingKey, 100, typed, logger)
	require.NoError(t, err)
	return pipeline, teeKey
}

func TestEndToEndShieldedTransaction(t *testing.T) {
	backend := newStubBackend()
	pipeline, teeKey := newTestPipeline(t, backend, false)

	to := common.HexToAddress("0xABCD000000000000000000000000000000000000")
	plaintext := []byte{0x01, 0x02}

	env, err := pipeline.Run(context.Background(), &Request{
		From:      common.HexToAddress("0x9000000000000000000000000000000000000009"),
		To:        &to,
		Value:     big.NewInt(0),
		Plaintext: plaintext,
	})
	require.NoError(t, err)

	// 填充结果
	assert.Equal(t, uint64(5124), env.Tx.ChainID)
	assert.Equal(t, uint64(7), env.Tx.Nonce)
	assert.Equal(t, uint64(1100), env.Tx.Elements.ExpiresAtBlock) // 1000 + 窗口100
	assert.Equal(t, backend.blockHash, env.Tx.Elements.RecentBlockHash)
	assert.Equal(t, uint64(50000), env.Tx.GasLimit)
	require.NotNil(t, env.Signed)

	// 密文 = 2字节明文 + 16字节标签，且不等于输入
	assert.Len(t, env.Tx.Data, 18)
	assert.NotEqual(t, plaintext, env.Tx.Data[:2])

	// 节点侧：用TEE私钥+发送方临时公钥派生同一密钥，
	// 从交易字段重建元数据后解密得回原明文
	nodeKey, err := teeKey.DeriveSharedSecret(env.Tx.Elements.EncryptionPubkey)
	require.NoError(t, err)
	assert.Equal(t, env.SharedKey, nodeKey)

	metadata, err := tx.MetadataFromTransaction(env.Request.From, env.Tx)
	require.NoError(t, err)
	aad, err := metadata.EncodeAAD()
	require.NoError(t, err)
	assert.Equal(t, env.AAD, aad)

	recovered, err := crypto.Decrypt(nodeKey, env.Tx.Elements.EncryptionNonce, env.Tx.Data, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestGasEstimatedOnCiphertext(t *testing.T) {
	backend := newStubBackend()
	pipeline, _ := newTestPipeline(t, backend, false)

	to := common.HexToAddress("0xABCD000000000000000000000000000000000000")
	env, err := pipeline.Run(context.Background(), &Request{
		From:      common.HexToAddress("0x9000000000000000000000000000000000000009"),
		To:        &to,
		Plaintext: []byte("some calldata"),
	})
	require.NoError(t, err)

	// gas估算观察到的字节必须与最终广播的完全一致
	assert.Equal(t, env.Tx.Data, backend.estimateData)
}

func TestCreationRejectedBeforeNetwork(t *testing.T) {
	backend := newStubBackend()
	pipeline, _ := newTestPipeline(t, backend, false)

	_, err := pipeline.Run(context.Background(), &Request{
		From:      common.HexToAddress("0x9000000000000000000000000000000000000009"),
		To:        nil, // 合约创建
		Plaintext: []byte{0x60, 0x60},
	})
	require.Error(t, err)
	assert.Equal(t, 0, backend.calls, "预检失败时不允许任何网络调用")
}

func TestSignedReadSkipsGasStage(t *testing.T) {
	backend := newStubBackend()
	pipeline, _ := newTestPipeline(t, backend, false)

	to := common.HexToAddress("0xABCD000000000000000000000000000000000000")
	env, err := pipeline.Run(context.Background(), &Request{
		From:       common.HexToAddress("0x9000000000000000000000000000000000000009"),
		To:         &to,
		Plaintext:  []byte{0xaa},
		SignedRead: true,
	})
	require.NoError(t, err)

	assert.True(t, env.Tx.Elements.SignedRead)
	assert.Nil(t, backend.estimateData, "认证只读调用不应估算gas")
	require.NotNil(t, env.Signed, "认证只读调用仍需签名")
}

func TestSessionNonceUniqueness(t *testing.T) {
	backend := newStubBackend()
	pipeline, _ := newTestPipeline(t, backend, false)

	to := common.HexToAddress("0xABCD000000000000000000000000000000000000")
	seen := make(map[tx.EncryptionNonce]bool)

	// 同一会话的N笔交易绝不出现相同的(encryption_pubkey, encryption_nonce)对
	for i := 0; i < 200; i++ {
		env, err := pipeline.Run(context.Background(), &Request{
			From:      common.HexToAddress("0x9000000000000000000000000000000000000009"),
			To:        &to,
			Plaintext: []byte{byte(i)},
		})
		require.NoError(t, err)

		nonce := env.Tx.Elements.EncryptionNonce
		assert.False(t, seen[nonce], "会话内加密nonce重复")
		seen[nonce] = true
		assert.Equal(t, pipeline.EphemeralPublic(), env.Tx.Elements.EncryptionPubkey)
	}
}

func TestTypedModeSelectsMessageVersion(t *testing.T) {
	backend := newStubBackend()
	pipeline, _ := newTestPipeline(t, backend, true)

	to := common.HexToAddress("0xABCD000000000000000000000000000000000000")
	env, err := pipeline.Run(context.Background(), &Request{
		From:      common.HexToAddress("0x9000000000000000000000000000000000000009"),
		To:        &to,
		Plaintext: []byte{0x01},
	})
	require.NoError(t, err)
	assert.Equal(t, tx.MessageVersionTyped, env.Tx.Elements.MessageVersion)
}

func TestNewPipelineRejectsBadPeerKey(t *testing.T) {
	logger := logrus.New()
	var bad tx.EncryptionPubkey

	_, err := NewPipeline(newStubBackend(), bad, nil, 100, false, logger)
	assert.Error(t, err)
}

func TestConcurrentRunsShareNoState(t *testing.T) {
	backend := newStubBackend()
	pipeline, _ := newTestPipeline(t, backend, false)

	to := common.HexToAddress("0xABCD000000000000000000000000000000000000")
	var wg sync.WaitGroup
	results := make([]tx.EncryptionNonce, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			env, err := pipeline.Run(context.Background(), &Request{
				From:      common.HexToAddress("0x9000000000000000000000000000000000000009"),
				To:        &to,
				Plaintext: []byte{byte(idx)},
			})
			if err == nil {
				results[idx] = env.Tx.Elements.EncryptionNonce
			}
		}(i)
	}
	wg.Wait()

	unique := make(map[tx.EncryptionNonce]bool)
	for _, nonce := range results {
		assert.NotEqual(t, tx.EncryptionNonce{}, nonce)
		assert.False(t, unique[nonce])
		unique[nonce] = true
	}
}
