// Package primitives implements the hash, keyed-MAC and stream cipher used by the
// WakeLink packet protocol. All three are written from their public
// specifications rather than delegated to a platform crypto provider: the
// protocol requires strict bit-level interoperability with constrained firmware
// reimplementations, and the test suite validates this package against fixed
// vectors and independent implementations.
package primitives

import (
	"encoding/binary"
)

const (
	// Sha256Size is the byte size of a SHA256 digest.
	Sha256Size = 32

	sha256BlockSize = 64
)

var sha256K = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// Sha256Digest computes a SHA256 digest incrementally.
// The zero value is not usable, call Init first.
type Sha256Digest struct {
	state  [8]uint32
	buf    [sha256BlockSize]byte
	buflen int
	total  uint64 // message bytes consumed so far
}

// Init resets the digest to its initial state.
func (self *Sha256Digest) Init() {
	self.state = [8]uint32{
		0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
		0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
	}
	self.buflen = 0
	self.total = 0
}

// Update consumes data into the digest.
func (self *Sha256Digest) Update(data []byte) {
	self.total += uint64(len(data))

	if self.buflen > 0 {
		n := copy(self.buf[self.buflen:], data)
		self.buflen += n
		data = data[n:]
		if sha256BlockSize == self.buflen {
			self.transform(self.buf[:])
			self.buflen = 0
		}
	}

	for len(data) >= sha256BlockSize {
		self.transform(data[:sha256BlockSize])
		data = data[sha256BlockSize:]
	}

	if len(data) > 0 {
		self.buflen = copy(self.buf[:], data)
	}
}

// Final appends the SHA256 padding and returns the digest.
// The Sha256Digest must be re-initialized before reuse.
func (self *Sha256Digest) Final() [Sha256Size]byte {
	bitlen := self.total * 8

	// append the 0x80 marker then pad with zeros up to the length field
	var pad [sha256BlockSize + 8]byte
	pad[0] = 0x80
	padlen := sha256BlockSize - self.buflen
	if padlen < 9 {
		padlen += sha256BlockSize
	}
	binary.BigEndian.PutUint64(pad[padlen-8:padlen], bitlen)
	self.Update(pad[:padlen])

	var rv [Sha256Size]byte
	for i, s := range self.state {
		binary.BigEndian.PutUint32(rv[i*4:], s)
	}
	return rv
}

func (self *Sha256Digest) transform(block []byte) {
	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4:])
	}
	for i := 16; i < 64; i++ {
		s0 := rotr32(w[i-15], 7) ^ rotr32(w[i-15], 18) ^ (w[i-15] >> 3)
		s1 := rotr32(w[i-2], 17) ^ rotr32(w[i-2], 19) ^ (w[i-2] >> 10)
		w[i] = w[i-16] + s0 + w[i-7] + s1
	}

	a, b, c, d := self.state[0], self.state[1], self.state[2], self.state[3]
	e, f, g, h := self.state[4], self.state[5], self.state[6], self.state[7]

	for i := 0; i < 64; i++ {
		s1 := rotr32(e, 6) ^ rotr32(e, 11) ^ rotr32(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := h + s1 + ch + sha256K[i] + w[i]
		s0 := rotr32(a, 2) ^ rotr32(a, 13) ^ rotr32(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		t2 := s0 + maj

		h, g, f, e = g, f, e, d+t1
		d, c, b, a = c, b, a, t1+t2
	}

	self.state[0] += a
	self.state[1] += b
	self.state[2] += c
	self.state[3] += d
	self.state[4] += e
	self.state[5] += f
	self.state[6] += g
	self.state[7] += h
}

// Sha256 returns the SHA256 digest of data.
func Sha256(data []byte) [Sha256Size]byte {
	var d Sha256Digest
	d.Init()
	d.Update(data)
	return d.Final()
}

func rotr32(x uint32, n uint) uint32 {
	return (x >> n) | (x << (32 - n))
}
