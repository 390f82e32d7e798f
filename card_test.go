package cwa14890

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testIccKey   *rsa.PrivateKey
	testIfdKey   *rsa.PrivateKey
	testKeysErr  error
)

// testKeys returns two 1024 bit keys, the modulus of the ICC key is smaller than the modulus of the IFD key.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()

	testKeysOnce.Do(func() {
		a, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			testKeysErr = err
			return
		}

		b, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			testKeysErr = err
			return
		}

		if a.N.Cmp(b.N) > 0 {
			a, b = b, a
		}

		testIccKey, testIfdKey = a, b
	})

	require.NoError(t, testKeysErr)

	return testIccKey, testIfdKey
}

type signatureMode int

const (
	signatureMin        signatureMode = iota // SIGMIN = min(SIG, N - SIG)
	signatureDirect                          // SIG
	signatureComplement                      // N - SIG
	signatureGarbage                         // random value below N
)

// simulatedCard implements Card and Transport. It runs the card side of the mutual authentication
// and of secure messaging.
type simulatedCard struct {
	helper  CryptoHelper
	iccKey  *rsa.PrivateKey
	ifdKey  *rsa.PrivateKey
	serial  []byte
	ifdCHR  []byte
	signing signatureMode

	wrongHash      bool
	rejectExternal bool
	openErr        error

	open       bool
	opens      int
	resets     int
	closes     int
	transmits  int
	received   []apdu.Capdu
	handler    func(capdu apdu.Capdu) apdu.Rapdu
	randomIfd  []byte
	randomIcc  []byte
	kicc       []byte
	kifd       []byte
	keys       SessionKeys
	ssc        SequenceCounter
	suite      CipherSuite
	corruptMAC bool
}

func newSimulatedCard(t *testing.T, suite CipherSuite) *simulatedCard {
	t.Helper()

	iccKey, ifdKey := testKeys(t)

	return &simulatedCard{
		helper: DefaultCryptoHelper{},
		iccKey: iccKey,
		ifdKey: ifdKey,
		serial: []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE},
		ifdCHR: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01},
		suite:  suite,
		handler: func(capdu apdu.Capdu) apdu.Rapdu {
			return apdu.Rapdu{SW1: 0x90, SW2: 0x00}
		},
	}
}

func (c *simulatedCard) SerialNumber() ([]byte, error) {
	return c.serial, nil
}

func (c *simulatedCard) VerifyIccCertificates() (*rsa.PublicKey, error) {
	return &c.iccKey.PublicKey, nil
}

func (c *simulatedCard) LoadIfdCertificates() error {
	return nil
}

func (c *simulatedCard) IfdCHR() []byte {
	return c.ifdCHR
}

func (c *simulatedCard) IccPrivateKeyReference() []byte {
	return []byte{0x02, 0x1F}
}

func (c *simulatedCard) SetKeysToAuthentication(_, _ []byte) error {
	return nil
}

func (c *simulatedCard) IfdPrivateKey() *rsa.PrivateKey {
	return c.ifdKey
}

func (c *simulatedCard) InternalAuthenticate(randomIfd, ifdCHR []byte) ([]byte, error) {
	c.randomIfd = append([]byte(nil), randomIfd...)

	keyLength := modulusLength(&c.iccKey.PublicKey)
	prnd1Length := keyLength - kiccLength - sha1Length - 2

	prnd1, err := c.helper.GenerateRandomBytes(prnd1Length)
	if err != nil {
		return nil, err
	}

	c.kicc, err = c.helper.GenerateRandomBytes(kiccLength)
	if err != nil {
		return nil, err
	}

	chr := ifdCHR
	if c.wrongHash {
		chr = []byte{0xFF}
	}

	hash, err := c.helper.Digest(SHA1, concat(prnd1, c.kicc, randomIfd, chr))
	if err != nil {
		return nil, err
	}

	sig, err := c.helper.RSADecrypt(concat([]byte{iso9796Header}, prnd1, c.kicc, hash, []byte{iso9796Trailer}), c.iccKey)
	if err != nil {
		return nil, err
	}

	s := new(big.Int).SetBytes(sig)
	complement := new(big.Int).Sub(c.iccKey.N, s)

	var sigToSend *big.Int

	switch c.signing {
	case signatureDirect:
		sigToSend = s
	case signatureComplement:
		sigToSend = complement
	case signatureGarbage:
		garbage, err := rand.Int(rand.Reader, c.iccKey.N)
		if err != nil {
			return nil, err
		}

		sigToSend = garbage
	default:
		sigToSend = s
		if complement.Cmp(s) < 0 {
			sigToSend = complement
		}
	}

	return c.helper.RSAEncrypt(sigToSend.FillBytes(make([]byte, keyLength)), &c.ifdKey.PublicKey)
}

func (c *simulatedCard) GetChallenge() ([]byte, error) {
	var err error

	c.randomIcc, err = c.helper.GenerateRandomBytes(randomLength)

	return c.randomIcc, err
}

func (c *simulatedCard) ExternalAuthenticate(message []byte) (bool, error) {
	if c.rejectExternal {
		return false, nil
	}

	sigMin, err := c.helper.RSADecrypt(message, c.iccKey)
	if err != nil {
		return false, err
	}

	msg, err := c.helper.RSAEncrypt(sigMin, &c.ifdKey.PublicKey)
	if err != nil {
		return false, err
	}

	if !isISO9796Framed(msg) {
		complement := new(big.Int).Sub(c.ifdKey.N, new(big.Int).SetBytes(sigMin))

		msg, err = c.helper.RSAEncrypt(complement.FillBytes(make([]byte, modulusLength(&c.ifdKey.PublicKey))), &c.ifdKey.PublicKey)
		if err != nil {
			return false, err
		}

		if !isISO9796Framed(msg) {
			return false, nil
		}
	}

	prnd2Length := len(msg) - kifdLength - sha1Length - 2
	prnd2 := msg[1 : 1+prnd2Length]
	kifd := msg[1+prnd2Length : 1+prnd2Length+kifdLength]
	hash := msg[1+prnd2Length+kifdLength : len(msg)-1]

	expected, err := c.helper.Digest(SHA1, concat(prnd2, kifd, c.randomIcc, paddedSerial(c.serial)))
	if err != nil {
		return false, err
	}

	if !bytes.Equal(expected, hash) {
		return false, nil
	}

	c.kifd = append([]byte(nil), kifd...)

	c.keys, c.ssc, err = DeriveSessionKeys(c.helper, c.kicc, c.kifd, c.randomIcc, c.randomIfd)
	if err != nil {
		return false, err
	}

	if c.corruptMAC {
		c.keys.MAC[0] ^= 0xFF
	}

	return true, nil
}

func (c *simulatedCard) Open() error {
	if c.openErr != nil {
		return c.openErr
	}

	c.open = true
	c.opens++

	return nil
}

func (c *simulatedCard) Reset() error {
	if !c.open {
		return errors.New("not open")
	}

	c.resets++
	c.keys = SessionKeys{}
	c.ssc = SequenceCounter{}

	return nil
}

func (c *simulatedCard) Close() error {
	c.open = false
	c.closes++

	return nil
}

func (c *simulatedCard) IsOpen() bool {
	return c.open
}

// Transmit unprotects the command, passes it to the handler and protects the response.
// Responses of the handler with SW1 '6C' or '62' are returned without protection.
func (c *simulatedCard) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	if !c.open {
		return apdu.Rapdu{}, errors.New("not open")
	}

	c.transmits++
	c.ssc.Increment()

	plain, err := UnprotectCommand(c.suite, c.helper, capdu, c.keys, c.ssc)
	if err != nil {
		c.ssc.Increment()
		return apdu.Rapdu{SW1: 0x66, SW2: 0x88}, nil
	}

	c.received = append(c.received, plain)

	resp := c.handler(plain)

	c.ssc.Increment()

	if resp.SW1 == 0x6C || resp.SW1 == 0x62 {
		return apdu.Rapdu{SW1: resp.SW1, SW2: resp.SW2}, nil
	}

	return ProtectResponse(c.suite, c.helper, resp, c.keys, c.ssc)
}

// countingHelper counts the RSA public key operations.
type countingHelper struct {
	DefaultCryptoHelper
	rsaEncrypts int
}

func (h *countingHelper) RSAEncrypt(data []byte, key *rsa.PublicKey) ([]byte, error) {
	h.rsaEncrypts++
	return h.DefaultCryptoHelper.RSAEncrypt(data, key)
}
