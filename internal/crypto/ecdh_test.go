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

func TestDeriveSharedSecretCommutative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	// 交换律: derive(skA, pkB) == derive(skB, pkA)
	properties.Property("ECDH密钥派生满足交换律", prop.ForAll(
		func(_ int) bool {
			alice, err := GenerateKeypair()
			if err != nil {
				return false
			}
			bob, err := GenerateKeypair()
			if err != nil {
				return false
			}

			ab, err := alice.DeriveSharedSecret(bob.Public())
			if err != nil {
				return false
			}
			ba, err := bob.DeriveSharedSecret(alice.Public())
			if err != nil {
				return false
			}
			return ab == ba
		},
		gen.Int(),
	))

	properties.TestingRun(t)
}

func TestDeriveSharedSecretDistinctPeers(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)
	carol, err := GenerateKeypair()
	require.NoError(t, err)

	withBob, err := alice.DeriveSharedSecret(bob.Public())
	require.NoError(t, err)
	withCarol, err := alice.DeriveSharedSecret(carol.Public())
	require.NoError(t, err)

	assert.NotEqual(t, withBob, withCarol)
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	// 长度错误
	_, err := ParsePublicKey([]byte{0x02, 0x01})
	assert.Error(t, err)

	// 前缀非法
	bad := make([]byte, tx.EncryptionPubkeyLength)
	bad[0] = 0x05
	_, err = ParsePublicKey(bad)
	assert.Error(t, err)

	// 不在曲线上的点（x坐标全0xff不对应有效点）
	offCurve := make([]byte, tx.EncryptionPubkeyLength)
	offCurve[0] = 0x02
	for i := 1; i < len(offCurve); i++ {
		offCurve[i] = 0xff
	}
	_, err = ParsePublicKey(offCurve)
	assert.Error(t, err)
}

func TestDeriveSharedSecretRejectsInvalidPeer(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)

	// 坏公钥在任何密码学运算之前被拒绝，不能退化为弱密钥
	var bad tx.EncryptionPubkey
	_, err = alice.DeriveSharedSecret(bad)
	assert.Error(t, err)
}

func TestKeypairFromBytesRoundTrip(t *testing.T) {
	original, err := GenerateKeypair()
	require.NoError(t, err)

	restored, err := KeypairFromBytes(original.secret.Serialize())
	require.NoError(t, err)
	assert.Equal(t, original.Public(), restored.Public())

	_, err = KeypairFromBytes([]byte{0x01})
	assert.Error(t, err)
}
