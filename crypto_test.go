package cwa14890

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

func TestAESCMAC(t *testing.T) {
	t.Parallel()

	key := "2b7e151628aed2a6abf7158809cf4f3c"

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty message", input: "", want: "bb1d6929e95937287fa37d129b756746"},
		{name: "one block", input: "6bc1bee22e409f96e93d7e117393172a", want: "070a16b46b4d4144f79bdd9dd04a287c"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DefaultCryptoHelper{}.AESCMAC(mustHex(t, tt.input), mustHex(t, key))
			require.NoError(t, err)
			assert.Equal(t, mustHex(t, tt.want), got)
		})
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()

	got, err := DefaultCryptoHelper{}.Digest(SHA1, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "a9993e364706816aba3e25717850c26c9cd0d89d"), got)

	_, err = DefaultCryptoHelper{}.Digest(DigestAlgorithm(42), []byte("abc"))
	assert.Error(t, err)
}

func TestDESedeRoundTrip(t *testing.T) {
	t.Parallel()

	helper := DefaultCryptoHelper{}
	key := mustHex(t, "979EC13B1CBFE9DCD01AB0FED307EAE5")
	data := mustHex(t, "011E800000000000")

	encrypted, err := helper.DESedeEncrypt(data, key)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "6375432908C044F6"), encrypted)

	decrypted, err := helper.DESedeDecrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)

	_, err = helper.DESedeEncrypt(data[:5], key)
	assert.Error(t, err)

	_, err = helper.DESedeEncrypt(data, key[:8])
	assert.Error(t, err)
}

func TestAESRoundTrip(t *testing.T) {
	t.Parallel()

	helper := DefaultCryptoHelper{}
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	data := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")

	encrypted, err := helper.AESEncrypt(data, iv, key)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "7649abac8119b246cee98e9b12e9197d"), encrypted)

	decrypted, err := helper.AESDecrypt(encrypted, iv, key)
	require.NoError(t, err)
	assert.Equal(t, data, decrypted)

	_, err = helper.AESEncrypt(data, iv[:8], key)
	assert.Error(t, err)
}

func TestRSARoundTrip(t *testing.T) {
	t.Parallel()

	key, _ := testKeys(t)
	helper := DefaultCryptoHelper{}

	msg := []byte{0x6A, 0x01, 0x02, 0xBC}

	sig, err := helper.RSADecrypt(msg, key)
	require.NoError(t, err)
	assert.Len(t, sig, modulusLength(&key.PublicKey))

	recovered, err := helper.RSAEncrypt(sig, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, msg, recovered[len(recovered)-len(msg):])
	assert.Equal(t, make([]byte, len(recovered)-len(msg)), recovered[:len(recovered)-len(msg)])

	_, err = helper.RSAEncrypt(key.N.Bytes(), &key.PublicKey)
	assert.Error(t, err)
}

func TestGenerateRandomBytes(t *testing.T) {
	t.Parallel()

	b, err := DefaultCryptoHelper{}.GenerateRandomBytes(8)
	require.NoError(t, err)
	assert.Len(t, b, 8)

	_, err = DefaultCryptoHelper{}.GenerateRandomBytes(-1)
	assert.Error(t, err)
}

func TestPad80(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     []byte
		blockSize int
		force     bool
		want      []byte
		wantErr   bool
	}{
		{name: "partial block", input: []byte{0x01, 0x1E}, blockSize: 8, want: []byte{0x01, 0x1E, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{name: "full block not forced", input: make([]byte, 8), blockSize: 8, want: make([]byte, 8)},
		{name: "full block forced", input: make([]byte, 8), blockSize: 8, force: true, want: append(make([]byte, 8), 0x80, 0, 0, 0, 0, 0, 0, 0)},
		{name: "empty forced", input: nil, blockSize: 16, force: true, want: append([]byte{0x80}, make([]byte, 15)...)},
		{name: "invalid block size", input: nil, blockSize: 5, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Pad80(tt.input, tt.blockSize, tt.force)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnpad80(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte{0x60, 0x14, 0x5F, 0x01}, Unpad80([]byte{0x60, 0x14, 0x5F, 0x01, 0x80, 0x00, 0x00, 0x00}))
	assert.Equal(t, []byte{}, Unpad80([]byte{0x80, 0x00}))
	assert.Equal(t, []byte{0x01, 0x02, 0x00}, Unpad80([]byte{0x01, 0x02, 0x00}))
	assert.Equal(t, []byte{0x00, 0x00}, Unpad80([]byte{0x00, 0x00}))
}
