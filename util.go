package xferdisk

import "bytes"

// IsZero reports whether b holds only zero bytes.
func IsZero(b []byte) bool {
	for len(b) > zeroChunkSize {
		if !bytes.Equal(b[:zeroChunkSize], zeroChunk) {
			return false
		}

		b = b[zeroChunkSize:]
	}

	return bytes.Equal(b, zeroChunk[:len(b)])
}
