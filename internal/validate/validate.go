// Package validate contains input checks applied before any shared state
// is touched.
package validate

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"roomshare/internal/apperr"
)

const (
	MinRoomKeyLength = 6
	MaxRoomKeyLength = 50
	MaxNameLength    = 50
	MaxFilenameBytes = 255
)

var (
	roomKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,50}$`)
	shareIDRe = regexp.MustCompile(`^[a-z0-9]{8,10}$`)
)

var (
	ErrInvalidRoomKey  = apperr.New(apperr.Validation, "room key must be 6-50 characters of letters, digits, '_' or '-', with at least one letter and one digit")
	ErrInvalidShareID  = apperr.New(apperr.Validation, "invalid share id")
	ErrInvalidName     = apperr.New(apperr.Validation, "display name is required")
	ErrInvalidFilename = apperr.New(apperr.Validation, "invalid filename")
	ErrInvalidNetwork  = apperr.New(apperr.Validation, "invalid ip or cidr")
)

// RoomKey checks the room key format.
func RoomKey(key string) error {
	if !roomKeyRe.MatchString(key) {
		return ErrInvalidRoomKey
	}
	var hasLetter, hasDigit bool
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case unicode.IsLetter(r):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		return ErrInvalidRoomKey
	}
	return nil
}

// ShareID checks the share id format.
func ShareID(id string) error {
	if !shareIDRe.MatchString(id) {
		return ErrInvalidShareID
	}
	return nil
}

// DisplayName trims name and rejects empty or control-character names.
func DisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || !utf8.ValidString(name) {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidName
		}
	}
	return name, nil
}

// Filename returns the base name of an uploaded file or an error when it
// cannot be stored safely.
func Filename(name string) (string, error) {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(strings.ReplaceAll(name, "\x00", ""))
	if name == "" || name == "." || name == ".." || name == "/" || len(name) > MaxFilenameBytes {
		return "", ErrInvalidFilename
	}
	return name, nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Networks parses IPs and CIDRs. A bare IP becomes a single-host network.
func Networks(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		n, err := network(entry)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func network(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, ErrInvalidNetwork
		}
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, ErrInvalidNetwork
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
