package primitives

import (
	"encoding/binary"
)

const (
	// Chacha20KeySize is the byte size of a ChaCha20 key.
	Chacha20KeySize = 32

	// Chacha20NonceSize is the byte size of a ChaCha20 nonce.
	Chacha20NonceSize = 12

	chachaBlockSize = 64
)

// the "expand 32-byte k" constant words
var chachaSigma = [4]uint32{0x61707865, 0x3320646e, 0x79622d32, 0x6b206574}

// Chacha20 XORs data with the ChaCha20 keystream derived from key, nonce and the
// initial block counter. The operation is its own inverse: applying it twice
// with identical parameters recovers the input. data is not modified, the
// result is returned in a fresh slice.
func Chacha20(key [Chacha20KeySize]byte, nonce [Chacha20NonceSize]byte, counter uint32, data []byte) []byte {
	rv := make([]byte, len(data))

	var block [chachaBlockSize]byte
	for i := 0; i < len(data); i += chachaBlockSize {
		chachaBlock(&key, &nonce, counter, &block)
		n := len(data) - i
		if n > chachaBlockSize {
			n = chachaBlockSize
		}
		for j := 0; j < n; j++ {
			rv[i+j] = data[i+j] ^ block[j]
		}
		counter++
	}

	return rv
}

// chachaBlock runs the ChaCha20 core function: 10 double rounds over the 16 word
// state followed by the feed-forward addition, serialized little endian.
func chachaBlock(key *[Chacha20KeySize]byte, nonce *[Chacha20NonceSize]byte, counter uint32, out *[chachaBlockSize]byte) {
	var state [16]uint32
	state[0], state[1], state[2], state[3] = chachaSigma[0], chachaSigma[1], chachaSigma[2], chachaSigma[3]
	for i := 0; i < 8; i++ {
		state[4+i] = binary.LittleEndian.Uint32(key[i*4:])
	}
	state[12] = counter
	state[13] = binary.LittleEndian.Uint32(nonce[0:])
	state[14] = binary.LittleEndian.Uint32(nonce[4:])
	state[15] = binary.LittleEndian.Uint32(nonce[8:])

	ws := state
	for i := 0; i < 10; i++ {
		// column rounds
		quarterRound(&ws, 0, 4, 8, 12)
		quarterRound(&ws, 1, 5, 9, 13)
		quarterRound(&ws, 2, 6, 10, 14)
		quarterRound(&ws, 3, 7, 11, 15)
		// diagonal rounds
		quarterRound(&ws, 0, 5, 10, 15)
		quarterRound(&ws, 1, 6, 11, 12)
		quarterRound(&ws, 2, 7, 8, 13)
		quarterRound(&ws, 3, 4, 9, 14)
	}

	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], ws[i]+state[i])
	}
}

func quarterRound(s *[16]uint32, a, b, c, d int) {
	s[a] += s[b]
	s[d] ^= s[a]
	s[d] = (s[d] << 16) | (s[d] >> 16)
	s[c] += s[d]
	s[b] ^= s[c]
	s[b] = (s[b] << 12) | (s[b] >> 20)
	s[a] += s[b]
	s[d] ^= s[a]
	s[d] = (s[d] << 8) | (s[d] >> 24)
	s[c] += s[d]
	s[b] ^= s[c]
	s[b] = (s[b] << 7) | (s[b] >> 25)
}
