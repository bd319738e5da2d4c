package domain

import "strings"

// Identity is a verified caller identity (wallet address, subject claim).
// Ownership relations are identity equality checks, never references.
type Identity string

func (id Identity) Empty() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id Identity) String() string {
	return string(id)
}
