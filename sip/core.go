package sip

import (
	"crypto/rand"
	"encoding/base32"
)

// RFC3261BranchMagicCookie is the prefix RFC 3261 §8.1.1.7 requires on a
// top Via branch parameter for it to be used in transaction matching.
const RFC3261BranchMagicCookie = "z9hG4bK"

var branchEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// GenerateBranch returns a new random RFC 3261 branch token.
func GenerateBranch() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return RFC3261BranchMagicCookie + branchEncoding.EncodeToString(raw[:])
}
