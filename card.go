package cwa14890

import (
	"crypto/rsa"

	"github.com/skythen/apdu"
)

// Transmitter is the interface that transmits apdu.Capdu and returns apdu.Rapdu.
type Transmitter interface {
	Transmit(capdu apdu.Capdu) (apdu.Rapdu, error)
}

// Transport is the byte channel to the card the secure channel is layered on.
// Reset must power cycle or reconnect the card so that a fresh ATR is obtained.
type Transport interface {
	Transmitter
	Open() error
	Reset() error
	Close() error
	IsOpen() bool
}

// Card is the interface that provides the card capabilities and the identity material
// used by the mutual authentication. Implementations send the plain (unprotected) commands
// of the authentication themselves.
type Card interface {
	// SerialNumber returns the serial number of the chip (SN.ICC).
	SerialNumber() ([]byte, error)
	// VerifyIccCertificates reads and validates the certificate chain of the card and returns
	// the public key of the card component certificate.
	VerifyIccCertificates() (*rsa.PublicKey, error)
	// LoadIfdCertificates presents the certificate chain of the terminal to the card for verification.
	LoadIfdCertificates() error
	// IfdCHR returns the certificate holder reference of the terminal component key.
	IfdCHR() []byte
	// IccPrivateKeyReference returns the reference of the card component private key.
	IccPrivateKeyReference() []byte
	// SetKeysToAuthentication selects the keys used by the following authenticate commands (MSE:SET AT).
	SetKeysToAuthentication(ifdCHR, iccPrivateKeyReference []byte) error
	// InternalAuthenticate sends RND.IFD and the terminal CHR and returns the ciphered SIGMIN of the card.
	InternalAuthenticate(randomIfd, ifdCHR []byte) ([]byte, error)
	// GetChallenge returns an 8 byte challenge (RND.ICC) generated by the card.
	GetChallenge() ([]byte, error)
	// ExternalAuthenticate sends the ciphered terminal signature and reports whether the card accepted it.
	ExternalAuthenticate(message []byte) (bool, error)
	// IfdPrivateKey returns the private key of the terminal component.
	IfdPrivateKey() *rsa.PrivateKey
}
