package cwa14890

import "encoding/binary"

// SequenceCounter is the 8 byte big-endian send sequence counter (SSC) of a secure messaging session.
type SequenceCounter [8]byte

// NewSequenceCounter returns a SequenceCounter initialised with value.
func NewSequenceCounter(value uint64) SequenceCounter {
	var ssc SequenceCounter

	binary.BigEndian.PutUint64(ssc[:], value)

	return ssc
}

// Increment increments the counter by one. The counter wraps around modulo 2^64.
func (ssc *SequenceCounter) Increment() {
	for i := len(ssc) - 1; i >= 0; i-- {
		ssc[i]++
		if ssc[i] != 0x00 {
			return
		}
	}
}

// Uint64 returns the value of the counter.
func (ssc SequenceCounter) Uint64() uint64 {
	return binary.BigEndian.Uint64(ssc[:])
}

// Bytes returns a copy of the counter bytes.
func (ssc SequenceCounter) Bytes() []byte {
	b := make([]byte, len(ssc))
	copy(b, ssc[:])

	return b
}

// blockBytes returns the counter left padded with zeros to size bytes.
func (ssc SequenceCounter) blockBytes(size int) []byte {
	b := make([]byte, size)
	copy(b[size-len(ssc):], ssc[:])

	return b
}

func (ssc *SequenceCounter) wipe() {
	*ssc = SequenceCounter{}
}
