package cwa14890

import (
	"bytes"
	"crypto/rsa"
	"math/big"

	"github.com/pkg/errors"
)

const (
	iso9796Header  byte = 0x6A // ISO/IEC 9796-2 scheme 1 header, partial recovery
	iso9796Trailer byte = 0xBC // ISO/IEC 9796-2 trailer, implicit hash

	kiccLength   = 32
	kifdLength   = 32
	randomLength = 8
	serialLength = 8
	sha1Length   = 20
)

// AuthenticationResult holds the values exchanged during the mutual authentication
// that are required for the derivation of the session keys.
type AuthenticationResult struct {
	Kicc      []byte // key seed generated by the card.
	Kifd      []byte // key seed generated by the terminal.
	RandomIcc []byte // challenge generated by the card.
	RandomIfd []byte // challenge generated by the terminal.
}

// Wipe overwrites the key seeds and challenges with zeros.
func (r *AuthenticationResult) Wipe() {
	wipe(r.Kicc)
	wipe(r.Kifd)
	wipe(r.RandomIcc)
	wipe(r.RandomIfd)
}

// Authenticate runs the internal authentication (the terminal verifies the card) and the
// external authentication (the card verifies the terminal) and returns the exchanged key seeds and challenges.
// iccKey is the public key of the card component, the keys for authentication must already be set on the card.
//
// SHA-1 is used for both authentications regardless of the cipher suite of the channel.
// Every failure results in an AuthenticationError and is not retried.
func Authenticate(card Card, helper CryptoHelper, iccKey *rsa.PublicKey) (*AuthenticationResult, error) {
	if iccKey == nil {
		return nil, AuthenticationError{Step: "prepare", Cause: errors.New("ICC public key is nil")}
	}

	if card.IfdPrivateKey() == nil {
		return nil, AuthenticationError{Step: "prepare", Cause: errors.New("IFD private key is nil")}
	}

	serial, err := card.SerialNumber()
	if err != nil {
		return nil, AuthenticationError{Step: "read serial number", Cause: err}
	}

	randomIfd, err := helper.GenerateRandomBytes(randomLength)
	if err != nil {
		return nil, AuthenticationError{Step: "generate RND.IFD", Cause: err}
	}

	kicc, err := internalAuthentication(card, helper, iccKey, randomIfd)
	if err != nil {
		return nil, AuthenticationError{Step: "internal authenticate", Cause: err}
	}

	randomIcc, err := card.GetChallenge()
	if err != nil {
		wipe(kicc)
		return nil, AuthenticationError{Step: "get challenge", Cause: err}
	}

	if len(randomIcc) != randomLength {
		wipe(kicc)
		return nil, AuthenticationError{
			Step:  "get challenge",
			Cause: errors.Errorf("RND.ICC must be %d bytes long, got %d", randomLength, len(randomIcc)),
		}
	}

	kifd, err := externalAuthentication(card, helper, iccKey, paddedSerial(serial), randomIcc)
	if err != nil {
		wipe(kicc)
		return nil, AuthenticationError{Step: "external authenticate", Cause: err}
	}

	return &AuthenticationResult{
		Kicc:      kicc,
		Kifd:      kifd,
		RandomIcc: randomIcc,
		RandomIfd: randomIfd,
	}, nil
}

// internalAuthentication lets the card sign
//
//	6A | PRND1 | Kicc | SHA-1(PRND1 | Kicc | RND.IFD | CHR) | BC
//
// with its component key and returns Kicc after the hash has been verified.
func internalAuthentication(card Card, helper CryptoHelper, iccKey *rsa.PublicKey, randomIfd []byte) ([]byte, error) {
	chr := card.IfdCHR()

	sigMinCiphered, err := card.InternalAuthenticate(randomIfd, chr)
	if err != nil {
		return nil, errors.Wrap(err, "transmit INTERNAL AUTHENTICATE")
	}

	sigMin, err := helper.RSADecrypt(sigMinCiphered, card.IfdPrivateKey())
	if err != nil {
		return nil, errors.Wrap(err, "decipher SIGMIN with IFD private key")
	}
	defer wipe(sigMin)

	msg, err := recoverMessage(helper, sigMin, iccKey)
	if err != nil {
		return nil, err
	}
	defer wipe(msg)

	prnd1Length := len(msg) - kiccLength - sha1Length - 2
	if prnd1Length < 0 {
		return nil, errors.Errorf("recovered message is too short: %d bytes", len(msg))
	}

	prnd1 := msg[1 : 1+prnd1Length]
	kicc := msg[1+prnd1Length : 1+prnd1Length+kiccLength]
	hash := msg[1+prnd1Length+kiccLength : len(msg)-1]

	hashInput := concat(prnd1, kicc, randomIfd, chr)
	defer wipe(hashInput)

	calculated, err := helper.Digest(SHA1, hashInput)
	if err != nil {
		return nil, errors.Wrap(err, "calculate hash of recovered message")
	}

	if !bytes.Equal(calculated, hash) {
		return nil, errors.Errorf("hash of recovered message does not match: calculated %02X received %02X", calculated, hash)
	}

	result := make([]byte, kiccLength)
	copy(result, kicc)

	return result, nil
}

// recoverMessage opens SIGMIN = min(SIG, N - SIG) with the card public key.
// SIG is tried first, N - SIGMIN only if the recovered message is not framed by '6A' and 'BC'.
func recoverMessage(helper CryptoHelper, sigMin []byte, iccKey *rsa.PublicKey) ([]byte, error) {
	msg, err := helper.RSAEncrypt(sigMin, iccKey)
	if err == nil && isISO9796Framed(msg) {
		return msg, nil
	}

	wipe(msg)

	s := new(big.Int).SetBytes(sigMin)
	if s.Cmp(iccKey.N) >= 0 {
		return nil, errors.New("SIGMIN is not smaller than the ICC modulus")
	}

	// only the low order bytes of N - SIGMIN in the length of the modulus are used
	complement := new(big.Int).Sub(iccKey.N, s).FillBytes(make([]byte, modulusLength(iccKey)))
	defer wipe(complement)

	s.SetInt64(0)

	msg, err = helper.RSAEncrypt(complement, iccKey)
	if err != nil {
		return nil, errors.Wrap(err, "open N.ICC - SIGMIN with ICC public key")
	}

	if !isISO9796Framed(msg) {
		wipe(msg)
		return nil, errors.New("recovered message is not framed by ISO 9796-2 header '6A' and trailer 'BC'")
	}

	return msg, nil
}

// externalAuthentication signs
//
//	6A | PRND2 | Kifd | SHA-1(PRND2 | Kifd | RND.ICC | SN.ICC) | BC
//
// with the terminal private key, enciphers SIGMIN with the card public key and presents it to the card.
func externalAuthentication(card Card, helper CryptoHelper, iccKey *rsa.PublicKey, serial, randomIcc []byte) ([]byte, error) {
	ifdKey := card.IfdPrivateKey()
	keyLength := modulusLength(&ifdKey.PublicKey)

	prnd2Length := keyLength - kifdLength - sha1Length - 2
	if prnd2Length < 0 {
		return nil, errors.Errorf("IFD key of %d bytes is too short", keyLength)
	}

	kifd, err := helper.GenerateRandomBytes(kifdLength)
	if err != nil {
		return nil, errors.Wrap(err, "generate Kifd")
	}

	prnd2, err := helper.GenerateRandomBytes(prnd2Length)
	if err != nil {
		wipe(kifd)
		return nil, errors.Wrap(err, "generate PRND2")
	}
	defer wipe(prnd2)

	hashInput := concat(prnd2, kifd, randomIcc, serial)
	hash, err := helper.Digest(SHA1, hashInput)
	wipe(hashInput)

	if err != nil {
		wipe(kifd)
		return nil, errors.Wrap(err, "calculate hash of signature message")
	}

	msg := concat([]byte{iso9796Header}, prnd2, kifd, hash, []byte{iso9796Trailer})
	sig, err := helper.RSADecrypt(msg, ifdKey)
	wipe(msg)

	if err != nil {
		wipe(kifd)
		return nil, errors.Wrap(err, "sign message with IFD private key")
	}

	sigMin := minSignature(sig, ifdKey.N, keyLength)
	wipe(sig)

	ciphered, err := helper.RSAEncrypt(sigMin, iccKey)
	wipe(sigMin)

	if err != nil {
		wipe(kifd)
		return nil, errors.Wrap(err, "encipher SIGMIN with ICC public key")
	}

	accepted, err := card.ExternalAuthenticate(ciphered)
	if err != nil {
		wipe(kifd)
		return nil, errors.Wrap(err, "transmit EXTERNAL AUTHENTICATE")
	}

	if !accepted {
		wipe(kifd)
		return nil, errors.New("card rejected the terminal signature")
	}

	return kifd, nil
}

// minSignature returns min(SIG, N - SIG) encoded on keyLength bytes.
func minSignature(sig []byte, n *big.Int, keyLength int) []byte {
	s := new(big.Int).SetBytes(sig)
	complement := new(big.Int).Sub(n, s)

	if complement.Cmp(s) < 0 {
		s.Set(complement)
	}

	result := s.FillBytes(make([]byte, keyLength))

	s.SetInt64(0)
	complement.SetInt64(0)

	return result
}

func isISO9796Framed(msg []byte) bool {
	return len(msg) > 2 && msg[0] == iso9796Header && msg[len(msg)-1] == iso9796Trailer
}

// paddedSerial returns the serial number left padded with zeros to 8 bytes.
// Longer serial numbers are truncated to their 8 low order bytes.
func paddedSerial(serial []byte) []byte {
	padded := make([]byte, serialLength)

	if len(serial) >= serialLength {
		copy(padded, serial[len(serial)-serialLength:])
	} else {
		copy(padded[serialLength-len(serial):], serial)
	}

	return padded
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}

	return b
}
