package internal

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Version is the current version of roomshare
const Version = "0.3.0"

// CompareVersions compares two dotted version strings numerically.
// Returns: 1 if v1 > v2, -1 if v1 < v2, 0 if equal
func CompareVersions(v1, v2 string) int {
	a := strings.Split(strings.TrimPrefix(v1, "v"), ".")
	b := strings.Split(strings.TrimPrefix(v2, "v"), ".")
	for len(a) < len(b) {
		a = append(a, "0")
	}
	for len(b) < len(a) {
		b = append(b, "0")
	}
	for i := range a {
		x, errX := strconv.Atoi(a[i])
		y, errY := strconv.Atoi(b[i])
		if errX != nil || errY != nil {
			// Non-numeric segments compare as strings.
			if c := strings.Compare(a[i], b[i]); c != 0 {
				return c
			}
			continue
		}
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

// VersionString describes this build.
func VersionString() string {
	return fmt.Sprintf("roomshare v%s (%s/%s, %s)", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
