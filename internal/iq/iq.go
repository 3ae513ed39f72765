// Package iq converts complex baseband samples to and from the cf32 wire
// format: interleaved little-endian float32 I then Q, 8 bytes per sample.
package iq

import (
	"encoding/binary"
	"errors"
	"math"
)

// BytesPerSample is the encoded size of one complex sample.
const BytesPerSample = 8

// EncodedLen returns the cf32 size of n samples.
func EncodedLen(n int) int { return n * BytesPerSample }

// Append encodes samples onto dst and returns the extended slice.
func Append(dst []byte, samples []complex64) []byte {
	off := len(dst)
	need := off + EncodedLen(len(samples))
	if cap(dst) < need {
		grown := make([]byte, off, need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:need]
	for _, s := range samples {
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(dst[off+4:], math.Float32bits(imag(s)))
		off += BytesPerSample
	}
	return dst
}

// Decode parses a cf32 buffer. A trailing partial sample is ignored, as a
// datagram cut short by the network is still worth its whole samples.
func Decode(buf []byte) []complex64 {
	n := len(buf) / BytesPerSample
	out := make([]complex64, n)
	for i := 0; i < n; i++ {
		off := i * BytesPerSample
		re := math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:]))
		out[i] = complex(re, im)
	}
	return out
}

// DecodeStrict is Decode but rejects buffers that are not a whole number of
// samples.
func DecodeStrict(buf []byte) ([]complex64, error) {
	if len(buf)%BytesPerSample != 0 {
		return nil, errors.New("iq: buffer length not a multiple of 8")
	}
	return Decode(buf), nil
}
