package room

import (
	"sort"

	"golang.org/x/text/cases"

	"roomshare/internal/ident"
	"roomshare/internal/validate"
)

const (
	suffixBaseLength   = 44
	suffixLength       = 5
	suffixAttempts     = 10
	fallbackBaseLength = 41
	fallbackLength     = 8
)

// foldName returns the caseless form of a display name. A Caser keeps
// state, so one is built per call.
func foldName(name string) string {
	return cases.Fold().String(name)
}

// nameTaken reports whether name collides case-insensitively with any
// user in r, ignoring users that share the joiner's fingerprint.
func (r *room) nameTaken(name, fingerprint string) bool {
	folded := foldName(name)
	for _, u := range r.users {
		if fingerprint != "" && u.Fingerprint == fingerprint {
			continue
		}
		if foldName(u.Name) == folded {
			return true
		}
	}
	return false
}

// uniqueName returns name, or a suffixed variant of it, that no other
// session in r is using.
func (r *room) uniqueName(name, fingerprint string) string {
	name = validate.Truncate(name, validate.MaxNameLength)
	if !r.nameTaken(name, fingerprint) {
		return name
	}
	base := validate.Truncate(name, suffixBaseLength)
	for i := 0; i < suffixAttempts; i++ {
		candidate := base + "_" + ident.RandomAlnum(suffixLength)
		if !r.nameTaken(candidate, fingerprint) {
			return candidate
		}
	}
	base = validate.Truncate(name, fallbackBaseLength)
	for {
		candidate := base + "_" + ident.Compact()[:fallbackLength]
		if !r.nameTaken(candidate, fingerprint) {
			return candidate
		}
	}
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Online != users[j].Online {
			return users[i].Online
		}
		return foldName(users[i].Name) < foldName(users[j].Name)
	})
}
