package frame

import (
	"errors"
	"hash/crc32"
)

// Terminator delimits frames on the wire. COBS output never contains it.
const Terminator byte = 0x00

// maxBlock is the largest run a single COBS code byte can describe.
const maxBlock = 0xFF

var (
	ErrBufferTooSmall = errors.New("frame: output buffer too small")
	ErrMalformedFrame = errors.New("frame: malformed cobs frame")
)

// MaxEncodedLen reports the worst-case stuffed length of n input bytes,
// excluding the terminator.
func MaxEncodedLen(n int) int {
	return n + (n+253)/254 + 1
}

// Encode byte-stuffs src into dst and returns the number of bytes written.
// The caller appends Terminator.
func Encode(dst, src []byte) (int, error) {
	if len(dst) < MaxEncodedLen(len(src)) {
		return 0, ErrBufferTooSmall
	}
	codeIdx := 0
	code := byte(1)
	w := 1
	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = w
			w++
			code = 1
			continue
		}
		dst[w] = b
		w++
		code++
		if code == maxBlock {
			dst[codeIdx] = code
			codeIdx = w
			w++
			code = 1
		}
	}
	dst[codeIdx] = code
	return w, nil
}

// AppendEncode appends the stuffed form of src to dst.
func AppendEncode(dst, src []byte) []byte {
	start := len(dst)
	need := MaxEncodedLen(len(src))
	if cap(dst)-start < need {
		grown := make([]byte, start, start+need)
		copy(grown, dst)
		dst = grown
	}
	n, _ := Encode(dst[start:start+need], src)
	return dst[:start+n]
}

// Decode reverses Encode. src must not include the terminator.
func Decode(dst, src []byte) (int, error) {
	w := 0
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return 0, ErrMalformedFrame
		}
		i++
		end := i + int(code) - 1
		if end > len(src) {
			return 0, ErrMalformedFrame
		}
		if w+(end-i) > len(dst) {
			return 0, ErrBufferTooSmall
		}
		for ; i < end; i++ {
			if src[i] == 0 {
				return 0, ErrMalformedFrame
			}
			dst[w] = src[i]
			w++
		}
		if code != maxBlock && i < len(src) {
			if w >= len(dst) {
				return 0, ErrBufferTooSmall
			}
			dst[w] = 0
			w++
		}
	}
	return w, nil
}

// AppendDecode appends the decoded form of src to dst.
func AppendDecode(dst, src []byte) ([]byte, error) {
	start := len(dst)
	if cap(dst)-start < len(src) {
		grown := make([]byte, start, start+len(src))
		copy(grown, dst)
		dst = grown
	}
	n, err := Decode(dst[start:start+len(src)], src)
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+n], nil
}

// CRC32Update folds data into a running IEEE CRC32. Start from 0.
func CRC32Update(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}
