package common

import "regexp"

// indexUidPattern matches spec.md §3's Index Descriptor invariant:
// index_uid matches [A-Za-z0-9_-]+.
var indexUidPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func ValidIndexUid(uid string) bool {
	return len(uid) > 0 && indexUidPattern.MatchString(uid)
}
