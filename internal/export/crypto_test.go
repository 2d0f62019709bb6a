package export

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIterations = 1000

func encrypt(t *testing.T, plain []byte, secret string) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := NewEncryptWriter(&out, secret, testIterations)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes()
}

func TestEncryptRoundTrip(t *testing.T) {
	sizes := []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17}
	for _, size := range sizes {
		plain := make([]byte, size)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		sealed := encrypt(t, plain, "correct horse")
		r, err := Decrypt(bytes.NewReader(sealed), "correct horse")
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(plain, got), "size %d round trip mismatch", size)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	sealed := encrypt(t, []byte("secret data"), "right")
	r, err := Decrypt(bytes.NewReader(sealed), "wrong")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func TestDecryptDetectsTruncation(t *testing.T) {
	plain := bytes.Repeat([]byte("x"), 2*ChunkSize+10)
	sealed := encrypt(t, plain, "pw")

	// Drop the final frame entirely: the remaining frames still authenticate
	// but the stream must not be accepted as complete.
	headerLen := len(Magic) + SaltSize + 4 + noncePrefixSize
	frameLen := 4 + ChunkSize + 16
	cut := sealed[:headerLen+2*frameLen]

	r, err := Decrypt(bytes.NewReader(cut), "pw")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestDecryptRejectsTrailingData(t *testing.T) {
	sealed := encrypt(t, []byte("abc"), "pw")
	sealed = append(sealed, 0x01)

	r, err := Decrypt(bytes.NewReader(sealed), "pw")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
}

func TestDecryptBadHeader(t *testing.T) {
	_, err := Decrypt(bytes.NewReader([]byte("PK\x03\x04 not encrypted")), "pw")
	assert.True(t, errors.Is(err, ErrBadHeader))
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")
	assert.Equal(t, DeriveKey("pw", salt, testIterations), DeriveKey("pw", salt, testIterations))
	assert.NotEqual(t, DeriveKey("pw", salt, testIterations), DeriveKey("pw2", salt, testIterations))
	assert.Len(t, DeriveKey("pw", salt, testIterations), KeySize)
}
