package security

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESPayloadRoundTrip(t *testing.T) {
	enc, err := NewAESPayloadEncryptor("correct horse")
	require.NoError(t, err)

	for _, plain := range [][]byte{[]byte("ask about side effects"), {}, bytes.Repeat([]byte{0xAB}, 4096)} {
		sealed, err := enc.Encrypt(plain)
		require.NoError(t, err)
		if len(plain) > 0 {
			assert.False(t, bytes.Contains(sealed, plain))
		}
		got, err := enc.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, len(plain), len(got))
		assert.True(t, bytes.Equal(plain, got))
	}
}

func TestAESPayloadDistinctCiphertexts(t *testing.T) {
	enc, err := NewAESPayloadEncryptor("pw")
	require.NoError(t, err)
	a, err := enc.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := enc.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESPayloadOpensAcrossInstances(t *testing.T) {
	first, err := NewAESPayloadEncryptor("shared")
	require.NoError(t, err)
	sealed, err := first.Encrypt([]byte("survives restart"))
	require.NoError(t, err)

	second, err := NewAESPayloadEncryptor("shared")
	require.NoError(t, err)
	got, err := second.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "survives restart", string(got))

	other, err := NewAESPayloadEncryptor("different")
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}

func TestAESPayloadRejectsTampering(t *testing.T) {
	enc, err := NewAESPayloadEncryptor("pw")
	require.NoError(t, err)
	sealed, err := enc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	flipped := append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 0x01
	_, err = enc.Decrypt(flipped)
	assert.Error(t, err)

	header := append([]byte(nil), sealed...)
	header[2] ^= 0x01 // salt byte is authenticated data
	_, err = enc.Decrypt(header)
	assert.Error(t, err)

	_, err = enc.Decrypt([]byte{0x02, 1, 2})
	assert.Error(t, err)
	_, err = enc.Decrypt(sealed[:1+saltSize+4])
	assert.Error(t, err)
}

func TestAESPayloadEmptyPassphrase(t *testing.T) {
	_, err := NewAESPayloadEncryptor("")
	assert.Error(t, err)
}

func TestAESPayloadZeroize(t *testing.T) {
	enc, err := NewAESPayloadEncryptor("pw")
	require.NoError(t, err)
	sealed, err := enc.Encrypt([]byte("x"))
	require.NoError(t, err)

	enc.Zeroize()
	_, err = enc.Encrypt([]byte("y"))
	assert.Error(t, err)
	_, err = enc.Decrypt(sealed)
	assert.Error(t, err)
}

func TestAESPayloadConcurrent(t *testing.T) {
	enc, err := NewAESPayloadEncryptor("pw")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte{byte(i), 'a', 'b'}
			sealed, err := enc.Encrypt(msg)
			if !assert.NoError(t, err) {
				return
			}
			got, err := enc.Decrypt(sealed)
			if assert.NoError(t, err) {
				assert.Equal(t, msg, got)
			}
		}(i)
	}
	wg.Wait()
}
