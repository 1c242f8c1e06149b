// Package ident generates identifiers for users, messages, files, sockets
// and share links.
package ident

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

const lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"

// ShareIDLength is the default length of a share id; ids are extended up
// to MaxShareIDLength when collisions pile up.
const (
	ShareIDLength    = 8
	MaxShareIDLength = 10
)

// NewID returns a random UUID string.
func NewID() string {
	return uuid.NewString()
}

// Compact returns a UUID without dashes, for use inside names and paths.
func Compact() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RandomAlnum returns n characters drawn uniformly from [a-z0-9].
func RandomAlnum(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand only fails when the OS entropy source is gone.
			panic("ident: read random bytes: " + err.Error())
		}
		for _, b := range buf {
			// 252 is the largest multiple of 36 below 256; rejecting above it
			// keeps the distribution uniform.
			if b >= 252 {
				continue
			}
			out = append(out, lowerAlnum[int(b)%len(lowerAlnum)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}

// ShareID returns a share id of the given length, clamped to
// [ShareIDLength, MaxShareIDLength].
func ShareID(length int) string {
	if length < ShareIDLength {
		length = ShareIDLength
	}
	if length > MaxShareIDLength {
		length = MaxShareIDLength
	}
	return RandomAlnum(length)
}

// RoomKey returns a random key that satisfies room key validation: it
// always carries at least one letter and one digit.
func RoomKey(length int) string {
	if length < 6 {
		length = 6
	}
	for {
		key := RandomAlnum(length)
		if strings.ContainsAny(key, "abcdefghijklmnopqrstuvwxyz") && strings.ContainsAny(key, "0123456789") {
			return key
		}
	}
}
