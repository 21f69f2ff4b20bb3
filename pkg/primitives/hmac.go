package primitives

// HmacSha256 computes HMAC-SHA256 of data under key using the standard nested
// construction. A key longer than the 64 byte SHA256 block is hashed first,
// shorter keys are zero padded.
func HmacSha256(key, data []byte) [Sha256Size]byte {
	var block [sha256BlockSize]byte
	if len(key) > sha256BlockSize {
		kh := Sha256(key)
		copy(block[:], kh[:])
	} else {
		copy(block[:], key)
	}

	var ipad, opad [sha256BlockSize]byte
	for i, k := range block {
		ipad[i] = k ^ 0x36
		opad[i] = k ^ 0x5C
	}

	var inner Sha256Digest
	inner.Init()
	inner.Update(ipad[:])
	inner.Update(data)
	ih := inner.Final()

	var outer Sha256Digest
	outer.Init()
	outer.Update(opad[:])
	outer.Update(ih[:])
	return outer.Final()
}
