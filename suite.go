package cwa14890

import (
	"crypto/aes"
	"crypto/des"
	"strings"

	"github.com/pkg/errors"
)

// CipherSuite represents the algorithms used for secure messaging. It is fixed for the lifetime of a Connection.
type CipherSuite int

const (
	DESMAC4  CipherSuite = iota // Triple DES encryption, 4 byte retail MAC.
	DESMAC8  CipherSuite = iota // Triple DES encryption, 8 byte retail MAC.
	AESCMAC8 CipherSuite = iota // AES encryption, 8 byte AES-CMAC.
)

// ParseCipherSuite returns the CipherSuite with the given name.
// Accepted names are "des-mac4", "des-mac8" and "aes-cmac8" (case insensitive).
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch strings.ToLower(name) {
	case "des-mac4", "desmac4":
		return DESMAC4, nil
	case "des-mac8", "desmac8":
		return DESMAC8, nil
	case "aes-cmac8", "aescmac8", "aes":
		return AESCMAC8, nil
	default:
		return 0, errors.Errorf("unknown cipher suite %q", name)
	}
}

func (suite CipherSuite) String() string {
	switch suite {
	case DESMAC4:
		return "des-mac4"
	case DESMAC8:
		return "des-mac8"
	case AESCMAC8:
		return "aes-cmac8"
	default:
		return "unknown"
	}
}

func (suite CipherSuite) valid() bool {
	return suite == DESMAC4 || suite == DESMAC8 || suite == AESCMAC8
}

// BlockSize returns the block size used for padding and encryption.
func (suite CipherSuite) BlockSize() int {
	if suite == AESCMAC8 {
		return aes.BlockSize
	}

	return des.BlockSize
}

// MACLength returns the length of the MAC that is transmitted in the cryptographic checksum data object.
func (suite CipherSuite) MACLength() int {
	if suite == DESMAC4 {
		return 4
	}

	return 8
}

// encrypt encrypts padded data with kenc. For AES the IV is the encrypted send sequence counter.
func (suite CipherSuite) encrypt(helper CryptoHelper, padded []byte, kenc []byte, ssc SequenceCounter) ([]byte, error) {
	switch suite {
	case DESMAC4, DESMAC8:
		return helper.DESedeEncrypt(padded, kenc)
	case AESCMAC8:
		iv, err := suite.iv(helper, kenc, ssc)
		if err != nil {
			return nil, err
		}

		return helper.AESEncrypt(padded, iv, kenc)
	default:
		return nil, errors.Errorf("unsupported cipher suite %d", suite)
	}
}

func (suite CipherSuite) decrypt(helper CryptoHelper, ciphered []byte, kenc []byte, ssc SequenceCounter) ([]byte, error) {
	switch suite {
	case DESMAC4, DESMAC8:
		return helper.DESedeDecrypt(ciphered, kenc)
	case AESCMAC8:
		iv, err := suite.iv(helper, kenc, ssc)
		if err != nil {
			return nil, err
		}

		return helper.AESDecrypt(ciphered, iv, kenc)
	default:
		return nil, errors.Errorf("unsupported cipher suite %d", suite)
	}
}

func (suite CipherSuite) iv(helper CryptoHelper, kenc []byte, ssc SequenceCounter) ([]byte, error) {
	iv, err := helper.AESEncrypt(ssc.blockBytes(aes.BlockSize), zeroIV[:], kenc)
	if err != nil {
		return nil, errors.Wrap(err, "calculate IV from send sequence counter")
	}

	return iv, nil
}

// mac calculates the truncated MAC over ssc | padded with kmac.
// The length of padded must be a multiple of the block size of the suite.
func (suite CipherSuite) mac(helper CryptoHelper, padded []byte, kmac []byte, ssc SequenceCounter) ([]byte, error) {
	switch suite {
	case DESMAC4, DESMAC8:
		mac, err := retailMAC(helper, ssc.Bytes(), padded, kmac)
		if err != nil {
			return nil, err
		}

		return mac[:suite.MACLength()], nil
	case AESCMAC8:
		input := make([]byte, 0, aes.BlockSize+len(padded))
		input = append(input, ssc.blockBytes(aes.BlockSize)...)
		input = append(input, padded...)

		mac, err := helper.AESCMAC(input, kmac)
		if err != nil {
			return nil, errors.Wrap(err, "calculate AES-CMAC")
		}

		return mac[:suite.MACLength()], nil
	default:
		return nil, errors.Errorf("unsupported cipher suite %d", suite)
	}
}

// retailMAC calculates the ISO/IEC 9797-1 MAC algorithm 3 over icv | data with a double length DES key.
// All blocks but the last are chained with single DES under K1, the last block with Triple DES.
func retailMAC(helper CryptoHelper, icv []byte, data []byte, key []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, errors.Errorf("MAC key must be 16 bytes long, got %d", len(key))
	}

	if len(icv) != des.BlockSize || len(data)%des.BlockSize != 0 || len(data) == 0 {
		return nil, errors.New("length of MAC input must be a non-zero multiple of 8")
	}

	k1 := key[:des.BlockSize]

	h, err := helper.DESEncrypt(icv, k1)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt first MAC block")
	}

	last := len(data) - des.BlockSize
	for i := 0; i < last; i += des.BlockSize {
		xorInto(h, data[i:i+des.BlockSize])

		h, err = helper.DESEncrypt(h, k1)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt MAC block")
		}
	}

	xorInto(h, data[last:])

	mac, err := helper.DESedeEncrypt(h, key)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt final MAC block")
	}

	return mac, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
