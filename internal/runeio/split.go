// Package runeio keeps multi-byte UTF-8 sequences whole across reads.
package runeio

import "unicode/utf8"

// Split returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the remainder. Invalid bytes count as complete.
func Split(b []byte) (complete, rest []byte) {
	// A sequence is at most utf8.UTFMax bytes, so only the tail matters.
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i], b[len(b)-i:]
			}
			break
		}
	}
	return b, nil
}
