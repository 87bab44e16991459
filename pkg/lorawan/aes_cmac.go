package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
)

// aesCMACPRF implements AES-CMAC according to RFC 4493
func aesCMACPRF(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := generateSubkeys(block)

	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize
	complete := len(data) > 0 && len(data)%aes.BlockSize == 0
	if n == 0 {
		n = 1
	}

	// 最后一个分组：完整时异或 K1，否则补 0x80 后异或 K2
	last := make([]byte, aes.BlockSize)
	offset := (n - 1) * aes.BlockSize
	copy(last, data[offset:])
	if complete {
		xorInto(last, k1)
	} else {
		last[len(data)-offset] = 0x80
		xorInto(last, k2)
	}

	x := make([]byte, aes.BlockSize)
	y := make([]byte, aes.BlockSize)
	for i := 0; i < n-1; i++ {
		copy(y, data[i*aes.BlockSize:(i+1)*aes.BlockSize])
		xorInto(y, x)
		block.Encrypt(x, y)
	}

	copy(y, last)
	xorInto(y, x)
	block.Encrypt(x, y)

	return x, nil
}

// generateSubkeys generates K1 and K2 for AES-CMAC
func generateSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	l := make([]byte, aes.BlockSize)
	block.Encrypt(l, make([]byte, aes.BlockSize))

	k1 = leftShift(l)
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

// leftShift performs a one-bit left shift on a byte slice
func leftShift(b []byte) []byte {
	result := make([]byte, len(b))
	overflow := byte(0)

	for i := len(b) - 1; i >= 0; i-- {
		result[i] = b[i]<<1 | overflow
		overflow = (b[i] & 0x80) >> 7
	}

	return result
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
