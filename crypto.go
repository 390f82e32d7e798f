package cwa14890

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"math/big"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// DigestAlgorithm identifies a message digest offered by a CryptoHelper.
type DigestAlgorithm int

const (
	SHA1   DigestAlgorithm = iota // SHA-1, used by the CWA-14890 authentication regardless of the cipher suite.
	SHA256 DigestAlgorithm = iota // SHA-256.
	SHA384 DigestAlgorithm = iota // SHA-384.
	SHA512 DigestAlgorithm = iota // SHA-512.
)

// CryptoHelper is the interface that provides the cryptographic primitives consumed by the secure channel.
//
// DESEncrypt and DESDecrypt use single DES in ECB mode.
// DESedeEncrypt and DESedeDecrypt use Triple DES in CBC mode with a zero IV; 16 byte keys are used as K1|K2|K1.
// AESEncrypt and AESDecrypt use AES in CBC mode with the given IV.
// RSAEncrypt and RSADecrypt apply the raw RSA operation without any padding and return
// a result left padded to the byte length of the modulus.
// None of the block cipher operations apply padding, the length of data must be a multiple of the block size.
type CryptoHelper interface {
	Digest(algorithm DigestAlgorithm, data []byte) ([]byte, error)
	DESEncrypt(data, key []byte) ([]byte, error)
	DESDecrypt(data, key []byte) ([]byte, error)
	DESedeEncrypt(data, key []byte) ([]byte, error)
	DESedeDecrypt(data, key []byte) ([]byte, error)
	AESEncrypt(data, iv, key []byte) ([]byte, error)
	AESDecrypt(data, iv, key []byte) ([]byte, error)
	AESCMAC(data, key []byte) ([]byte, error)
	RSAEncrypt(data []byte, key *rsa.PublicKey) ([]byte, error)
	RSADecrypt(data []byte, key *rsa.PrivateKey) ([]byte, error)
	GenerateRandomBytes(n int) ([]byte, error)
}

// DefaultCryptoHelper implements CryptoHelper with the primitives of the Go standard library
// and github.com/aead/cmac.
type DefaultCryptoHelper struct{}

var zeroIV = [aes.BlockSize]byte{}

// Digest returns the digest of data calculated with the given algorithm.
func (DefaultCryptoHelper) Digest(algorithm DigestAlgorithm, data []byte) ([]byte, error) {
	switch algorithm {
	case SHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	case SHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case SHA384:
		sum := sha512.Sum384(data)
		return sum[:], nil
	case SHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, errors.Errorf("unsupported digest algorithm %d", algorithm)
	}
}

// DESEncrypt encrypts data with single DES in ECB mode.
func (DefaultCryptoHelper) DESEncrypt(data, key []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create DES cipher")
	}

	result := make([]byte, len(data))

	err = desECBEncrypt(result, data, block)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt with DES ECB")
	}

	return result, nil
}

// DESDecrypt decrypts data with single DES in ECB mode.
func (DefaultCryptoHelper) DESDecrypt(data, key []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create DES cipher")
	}

	result := make([]byte, len(data))

	err = desECBDecrypt(result, data, block)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt with DES ECB")
	}

	return result, nil
}

// DESedeEncrypt encrypts data with Triple DES in CBC mode and a zero IV.
func (DefaultCryptoHelper) DESedeEncrypt(data, key []byte) ([]byte, error) {
	block, err := newTripleDESCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%des.BlockSize != 0 {
		return nil, errors.New("data length is not a multiple of the block size")
	}

	result := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, zeroIV[:des.BlockSize]).CryptBlocks(result, data)

	return result, nil
}

// DESedeDecrypt decrypts data with Triple DES in CBC mode and a zero IV.
func (DefaultCryptoHelper) DESedeDecrypt(data, key []byte) ([]byte, error) {
	block, err := newTripleDESCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%des.BlockSize != 0 {
		return nil, errors.New("data length is not a multiple of the block size")
	}

	result := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, zeroIV[:des.BlockSize]).CryptBlocks(result, data)

	return result, nil
}

// AESEncrypt encrypts data with AES in CBC mode.
func (DefaultCryptoHelper) AESEncrypt(data, iv, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}

	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("data length is not a multiple of the block size")
	}

	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("IV must be %d bytes long, got %d", aes.BlockSize, len(iv))
	}

	result := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(result, data)

	return result, nil
}

// AESDecrypt decrypts data with AES in CBC mode.
func (DefaultCryptoHelper) AESDecrypt(data, iv, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}

	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("data length is not a multiple of the block size")
	}

	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("IV must be %d bytes long, got %d", aes.BlockSize, len(iv))
	}

	result := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(result, data)

	return result, nil
}

// AESCMAC calculates the full 16 byte AES-CMAC (NIST SP 800-38B) of data.
func (DefaultCryptoHelper) AESCMAC(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}

	mac, err := cmac.New(block)
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC")
	}

	_, err = mac.Write(data)
	if err != nil {
		return nil, errors.Wrap(err, "write CMAC input")
	}

	return mac.Sum(nil), nil
}

// RSAEncrypt applies the public key operation data^e mod n.
func (DefaultCryptoHelper) RSAEncrypt(data []byte, key *rsa.PublicKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("RSA public key is nil")
	}

	m := new(big.Int).SetBytes(data)
	if m.Cmp(key.N) >= 0 {
		return nil, errors.New("RSA input is not smaller than the modulus")
	}

	c := new(big.Int).Exp(m, big.NewInt(int64(key.E)), key.N)

	return c.FillBytes(make([]byte, modulusLength(key))), nil
}

// RSADecrypt applies the private key operation data^d mod n.
func (DefaultCryptoHelper) RSADecrypt(data []byte, key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("RSA private key is nil")
	}

	c := new(big.Int).SetBytes(data)
	if c.Cmp(key.N) >= 0 {
		return nil, errors.New("RSA input is not smaller than the modulus")
	}

	m := new(big.Int).Exp(c, key.D, key.N)
	result := m.FillBytes(make([]byte, modulusLength(&key.PublicKey)))

	m.SetInt64(0)

	return result, nil
}

// GenerateRandomBytes returns n bytes read from crypto/rand.
func (DefaultCryptoHelper) GenerateRandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("invalid number of random bytes: %d", n)
	}

	b := make([]byte, n)

	_, err := rand.Read(b)
	if err != nil {
		return nil, errors.Wrap(err, "read random bytes")
	}

	return b, nil
}

func modulusLength(key *rsa.PublicKey) int {
	return (key.N.BitLen() + 7) / 8
}

// Pad80 takes bytes and a block size (must be a multiple of 8) and appends '80' and zero bytes until
// the length reaches a multiple of the block size and returns the padded bytes.
// If force is false, the padding will only be applied, if the length of bytes is not a multiple of the block size.
// If force is true, the padding will be applied anyways.
func Pad80(b []byte, blockSize int, force bool) ([]byte, error) {
	if blockSize%8 != 0 {
		return nil, errors.New("block size must be a multiple of 8")
	}

	rest := len(b) % blockSize
	if rest != 0 || force {
		padded := make([]byte, len(b)+blockSize-rest)
		copy(padded, b)
		padded[len(b)] = 0x80

		return padded, nil
	}

	return b, nil
}

// Unpad80 removes ISO/IEC 7816-4 padding. The buffer is scanned from the end for the first non-zero byte;
// if that byte is not '80', b is considered to be unpadded and returned unchanged.
func Unpad80(b []byte) []byte {
	i := len(b) - 1
	for i >= 0 && b[i] == 0x00 {
		i--
	}

	if i < 0 || b[i] != 0x80 {
		return b
	}

	return b[:i]
}

// wipe overwrites b with zeros.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0x00
	}
}

func resizeDoubleDESToTDES(key []byte) [24]byte {
	var k [24]byte

	copy(k[:], key)
	copy(k[16:], key[:8])

	return k
}

func newTripleDESCipher(key []byte) (cipher.Block, error) {
	var tdesKey [24]byte

	switch len(key) {
	case 16:
		tdesKey = resizeDoubleDESToTDES(key)
	case 24:
		copy(tdesKey[:], key)
	default:
		return nil, errors.Errorf("Triple DES key must be 16 or 24 bytes long, got %d", len(key))
	}

	block, err := des.NewTripleDESCipher(tdesKey[:])
	wipe(tdesKey[:])

	if err != nil {
		return nil, errors.Wrap(err, "create TDES cipher")
	}

	return block, nil
}

func desECBEncrypt(dst []byte, src []byte, desCipher cipher.Block) error {
	if len(dst)%desCipher.BlockSize() != 0 {
		return errors.New("dst length is not a multiple of the block size")
	}

	if len(src)%desCipher.BlockSize() != 0 {
		return errors.New("src length is not a multiple of the block size")
	}

	for len(src) > 0 {
		desCipher.Encrypt(dst, src)
		src = src[desCipher.BlockSize():]
		dst = dst[desCipher.BlockSize():]
	}

	return nil
}

func desECBDecrypt(dst []byte, src []byte, desCipher cipher.Block) error {
	if len(dst)%desCipher.BlockSize() != 0 {
		return errors.New("dst length is not a multiple of the block size")
	}

	if len(src)%desCipher.BlockSize() != 0 {
		return errors.New("src length is not a multiple of the block size")
	}

	for len(src) > 0 {
		desCipher.Decrypt(dst, src)
		src = src[desCipher.BlockSize():]
		dst = dst[desCipher.BlockSize():]
	}

	return nil
}
