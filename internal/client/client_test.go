package client

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seismic/internal/crypto"
	seiserrors "seismic/internal/errors"
	"seismic/pkg/tx"
)

// stubCaller 模拟节点侧的JSON-RPC传输
// 持有一把真实的TEE密钥对：signed_read调用走完整的解密/再加密流程
type stubCaller struct {
	mu sync.Mutex

	teeKey   *crypto.Keypair
	teeCalls int

	failTeeKey   bool
	failSend     bool
	failEstimate bool

	lastSentRaw []byte
	sentCount   int
}

func newStubCaller(t *testing.T) *stubCaller {
	t.Helper()
	teeKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	return &stubCaller{teeKey: teeKey}
}

func (s *stubCaller) Close() {}

func (s *stubCaller) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch method {
	case "seismic_getTeePublicKey":
		s.teeCalls++
		if s.failTeeKey {
			return fmt.Errorf("connection refused")
		}
		*result.(*hexutil.Bytes) = s.teeKey.Public().Bytes()
		return nil

	case "eth_chainId":
		(*result.(*hexutil.Big)) = (hexutil.Big)(*big.NewInt(5124))
		return nil

	case "eth_getTransactionCount":
		*result.(*hexutil.Uint64) = hexutil.Uint64(0)
		return nil

	case "eth_getBlockByNumber":
		header := result.(**blockHeader)
		*header = &blockHeader{
			Number: hexutil.Uint64(1000),
			Hash:   common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
		}
		return nil

	case "eth_gasPrice":
		(*result.(*hexutil.Big)) = (hexutil.Big)(*big.NewInt(1_000_000_000))
		return nil

	case "eth_estimateGas":
		if s.failEstimate {
			return fmt.Errorf("connection refused")
		}
		*result.(*hexutil.Uint64) = hexutil.Uint64(50000)
		return nil

	case "eth_sendRawTransaction":
		s.sentCount++
		if s.failSend {
			return fmt.Errorf("connection reset")
		}
		raw := args[0].(hexutil.Bytes)
		s.lastSentRaw = raw
		signed, err := tx.Decode(raw)
		if err != nil {
			return err
		}
		hash, err := signed.Hash()
		if err != nil {
			return err
		}
		*result.(*common.Hash) = hash
		return nil

	case "eth_call":
		raw, ok := args[0].(hexutil.Bytes)
		if !ok {
			return fmt.Errorf("仅支持signed_read形态")
		}
		return s.handleSignedRead(raw, result.(*tx.EncryptedCallResult))

	default:
		return fmt.Errorf("未模拟的方法: %s", method)
	}
}

// handleSignedRead 按节点语义处理认证只读调用：
// 解密请求明文，返回其逆序的密文
func (s *stubCaller) handleSignedRead(raw []byte, result *tx.EncryptedCallResult) error {
	signed, err := tx.Decode(raw)
	if err != nil {
		return err
	}
	sender, err := signed.RecoverSender()
	if err != nil {
		return err
	}

	key, err := s.teeKey.DeriveSharedSecret(signed.Tx.Elements.EncryptionPubkey)
	if err != nil {
		return err
	}
	metadata, err := tx.MetadataFromTransaction(sender, signed.Tx)
	if err != nil {
		return err
	}
	aad, err := metadata.EncodeAAD()
	if err != nil {
		return err
	}
	plaintext, err := crypto.Decrypt(key, signed.Tx.Elements.EncryptionNonce, signed.Tx.Data, aad)
	if err != nil {
		return err
	}

	reversed := make([]byte, len(plaintext))
	for i, b := range plaintext {
		reversed[len(plaintext)-1-i] = b
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return err
	}
	ciphertext, err := crypto.Encrypt(key, nonce, reversed, aad)
	if err != nil {
		return err
	}

	result.Nonce = nonce.Bytes()
	result.Data = ciphertext
	return nil
}

func newStubReadClient(stub *stubCaller) *ReadClient {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &ReadClient{
		backend:  &rpcBackend{caller: stub, endpoint: "stub"},
		endpoint: "stub",
		logger:   logger,
	}
}

func newStubSigningClient(t *testing.T, stub *stubCaller) *SigningClient {
	t.Helper()

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	signingClient, err := newSigningClient(context.Background(), newStubReadClient(stub), &SigningClientOptions{
		SigningKey:   key,
		ExpiryWindow: 10,
	}, logger)
	require.NoError(t, err)
	return signingClient
}

func TestTeeKeyFetchedOnceAtConstruction(t *testing.T) {
	stub := newStubCaller(t)
	signingClient := newStubSigningClient(t, stub)

	assert.Equal(t, 1, stub.teeCalls)
	assert.Equal(t, signingClient.PeerKey(), stub.teeKey.Public())

	// 后续操作不再触发密钥获取
	to := common.HexToAddress("0xcafe0000000000000000000000000000000000cafe")
	_, err := signingClient.Send(context.Background(), to, nil, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.teeCalls)
}

func TestConstructionFailsWhenKeyFetchFails(t *testing.T) {
	stub := newStubCaller(t)
	stub.failTeeKey = true

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	_, err = newSigningClient(context.Background(), newStubReadClient(stub), &SigningClientOptions{
		SigningKey:   key,
		ExpiryWindow: 10,
	}, logger)
	require.Error(t, err)
}

func TestSendProducesSeismicEnvelope(t *testing.T) {
	stub := newStubCaller(t)
	signingClient := newStubSigningClient(t, stub)

	to := common.HexToAddress("0xcafe0000000000000000000000000000000000cafe")
	plaintext := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	txHash, err := signingClient.Send(context.Background(), to, big.NewInt(5), plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, txHash)

	// 节点收到的是0x4A信封而且calldata已被加密
	require.NotEmpty(t, stub.lastSentRaw)
	assert.Equal(t, tx.TxTypeSeismic, stub.lastSentRaw[0])

	signed, err := tx.Decode(stub.lastSentRaw)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, signed.Tx.Data)
	assert.Len(t, signed.Tx.Data, len(plaintext)+crypto.TagLength)

	// 发送方地址可以从签名恢复
	sender, err := signed.RecoverSender()
	require.NoError(t, err)
	assert.Equal(t, signingClient.Sender(), sender)
}

func TestPipelineFailureIsNeverBroadcast(t *testing.T) {
	stub := newStubCaller(t)
	signingClient := newStubSigningClient(t, stub)
	stub.failEstimate = true

	to := common.HexToAddress("0xcafe0000000000000000000000000000000000cafe")
	_, err := signingClient.Send(context.Background(), to, nil, []byte{0x01})
	require.Error(t, err)
	assert.Equal(t, 0, stub.sentCount)

	var seismicErr *seiserrors.SeismicError
	require.ErrorAs(t, err, &seismicErr)
	assert.Equal(t, seiserrors.BroadcastNever, seismicErr.Broadcast)
}

func TestTransportFailureAfterSendIsBroadcastUnknown(t *testing.T) {
	stub := newStubCaller(t)
	signingClient := newStubSigningClient(t, stub)
	stub.failSend = true

	to := common.HexToAddress("0xcafe0000000000000000000000000000000000cafe")
	_, err := signingClient.Send(context.Background(), to, nil, []byte{0x01})
	require.Error(t, err)

	var seismicErr *seiserrors.SeismicError
	require.ErrorAs(t, err, &seismicErr)
	assert.Equal(t, seiserrors.BroadcastUnknown, seismicErr.Broadcast)

	// 结果未知的错误绝不允许自动重试
	assert.False(t, seismicErr.IsRetryable())
}

func TestSignedCallDecryptsResponse(t *testing.T) {
	stub := newStubCaller(t)
	signingClient := newStubSigningClient(t, stub)

	to := common.HexToAddress("0xcafe0000000000000000000000000000000000cafe")
	plaintext := []byte{0x01, 0x02, 0x03}
	result, err := signingClient.SignedCall(context.Background(), to, nil, plaintext)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x02, 0x01}, result)

	// signed_read不触发广播
	assert.Equal(t, 0, stub.sentCount)
}

func TestUnauthenticatedCallUsesZeroSender(t *testing.T) {
	// eth_call的对象形态里from必须是全零占位地址
	stub := &callArgsRecorder{}

	readClient := &ReadClient{
		backend:  &rpcBackend{caller: stub, endpoint: "stub"},
		endpoint: "stub",
		logger:   logrus.New(),
	}

	to := common.HexToAddress("0xcafe0000000000000000000000000000000000cafe")
	_, err := readClient.Call(context.Background(), to, nil, []byte{0x01})
	require.NoError(t, err)

	require.NotNil(t, stub.lastArgs)
	assert.Equal(t, common.Address{}, stub.lastArgs.From)
	assert.Equal(t, to, *stub.lastArgs.To)
}

// callArgsRecorder 只记录eth_call参数的传输桩
type callArgsRecorder struct {
	lastArgs *CallArgs
}

func (r *callArgsRecorder) Close() {}

func (r *callArgsRecorder) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if method == "eth_call" {
		if callArgs, ok := args[0].(CallArgs); ok {
			r.lastArgs = &callArgs
		}
		*result.(*hexutil.Bytes) = hexutil.Bytes{}
		return nil
	}
	return fmt.Errorf("未模拟的方法: %s", method)
}
