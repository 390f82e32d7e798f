package cwa14890

import (
	"github.com/pkg/errors"
)

var (
	kencCounter = [4]byte{0x00, 0x00, 0x00, 0x01}
	kmacCounter = [4]byte{0x00, 0x00, 0x00, 0x02}
)

// DeriveSessionKeys derives the session keys and the initial send sequence counter from the key seeds
// exchanged during the mutual authentication.
//
//	Kenc = SHA-1(Kicc XOR Kifd | 00000001)[0:16]
//	Kmac = SHA-1(Kicc XOR Kifd | 00000002)[0:16]
//	SSC  = RND.ICC[4:8] | RND.IFD[4:8]
func DeriveSessionKeys(helper CryptoHelper, kicc, kifd, randomIcc, randomIfd []byte) (SessionKeys, SequenceCounter, error) {
	if len(kicc) != kiccLength || len(kifd) != kifdLength {
		return SessionKeys{}, SequenceCounter{}, errors.Errorf("key seeds must be %d bytes long, got %d and %d", kiccLength, len(kicc), len(kifd))
	}

	if len(randomIcc) != randomLength || len(randomIfd) != randomLength {
		return SessionKeys{}, SequenceCounter{}, errors.Errorf("challenges must be %d bytes long, got %d and %d", randomLength, len(randomIcc), len(randomIfd))
	}

	seed := make([]byte, kiccLength+len(kencCounter))
	defer wipe(seed)

	for i := 0; i < kiccLength; i++ {
		seed[i] = kicc[i] ^ kifd[i]
	}

	var keys SessionKeys

	copy(seed[kiccLength:], kencCounter[:])

	enc, err := helper.Digest(SHA1, seed)
	if err != nil {
		return SessionKeys{}, SequenceCounter{}, errors.Wrap(err, "derive Kenc")
	}

	copy(keys.Enc[:], enc)
	wipe(enc)

	copy(seed[kiccLength:], kmacCounter[:])

	mac, err := helper.Digest(SHA1, seed)
	if err != nil {
		keys.Wipe()
		return SessionKeys{}, SequenceCounter{}, errors.Wrap(err, "derive Kmac")
	}

	copy(keys.MAC[:], mac)
	wipe(mac)

	var ssc SequenceCounter

	copy(ssc[:4], randomIcc[4:])
	copy(ssc[4:], randomIfd[4:])

	return keys, ssc, nil
}
