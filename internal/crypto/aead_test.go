package crypto

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seismic/pkg/tx"
)

func testKey(b byte) SymmetricKey {
	var key SymmetricKey
	for i := range key {
		key[i] = b
	}
	return key
}

func testNonce(b byte) tx.EncryptionNonce {
	var nonce tx.EncryptionNonce
	for i := range nonce {
		nonce[i] = b
	}
	return nonce
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("任意明文和AAD加解密往返一致", prop.ForAll(
		func(plaintext, aad []byte) bool {
			key := testKey(0x11)
			nonce, err := GenerateNonce()
			if err != nil {
				return false
			}

			ciphertext, err := Encrypt(key, nonce, plaintext, aad)
			if err != nil {
				return false
			}
			// 输出长度 = 明文长度 + 16字节标签
			if len(ciphertext) != len(plaintext)+TagLength {
				return false
			}

			recovered, err := Decrypt(key, nonce, ciphertext, aad)
			if err != nil {
				return false
			}
			return string(recovered) == string(plaintext)
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestTamperDetection(t *testing.T) {
	key := testKey(0x22)
	nonce := testNonce(0x01)
	plaintext := []byte("shielded calldata")
	aad := []byte("transaction metadata")

	ciphertext, err := Encrypt(key, nonce, plaintext, aad)
	require.NoError(t, err)

	// 密文或标签的每一位翻转都必须导致解密失败
	for i := 0; i < len(ciphertext); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), ciphertext...)
			tampered[i] ^= 1 << bit

			_, err := Decrypt(key, nonce, tampered, aad)
			assert.ErrorIs(t, err, ErrAuthentication, "第%d字节第%d位翻转未被检测到", i, bit)
		}
	}

	// AAD的每一位翻转同样必须失败
	for i := 0; i < len(aad); i++ {
		for bit := 0; bit < 8; bit++ {
			tamperedAAD := append([]byte(nil), aad...)
			tamperedAAD[i] ^= 1 << bit

			_, err := Decrypt(key, nonce, ciphertext, tamperedAAD)
			assert.ErrorIs(t, err, ErrAuthentication)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	nonce := testNonce(0x02)
	ciphertext, err := Encrypt(testKey(0x33), nonce, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Decrypt(testKey(0x44), nonce, ciphertext, nil)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptShortCiphertext(t *testing.T) {
	_, err := Decrypt(testKey(0x55), testNonce(0x03), []byte{0x01, 0x02}, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

func TestGenerateNonceUnique(t *testing.T) {
	seen := make(map[tx.EncryptionNonce]bool)
	for i := 0; i < 1000; i++ {
		nonce, err := GenerateNonce()
		require.NoError(t, err)
		assert.False(t, seen[nonce], "加密nonce出现重复")
		seen[nonce] = true
	}
}

func TestEmptyPlaintextProducesOnlyTag(t *testing.T) {
	key := testKey(0x66)
	nonce := testNonce(0x04)

	ciphertext, err := Encrypt(key, nonce, nil, []byte("aad"))
	require.NoError(t, err)
	assert.Len(t, ciphertext, TagLength)

	recovered, err := Decrypt(key, nonce, ciphertext, []byte("aad"))
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
