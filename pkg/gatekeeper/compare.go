package gatekeeper

import "crypto/subtle"

// ConstantTimeEqual reports whether a and b match without leaking the
// position of the first difference. Length is not hidden.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
