package models

import "strings"

// JID is a Jabber-style address: node@domain/resource.
type JID string

// Bare strips the resource part.
func (j JID) Bare() JID {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return j[:i]
	}
	return j
}

// Resource returns the part after the first slash, or "" when there is none.
// Inside a room the resource is the occupant's nickname.
func (j JID) Resource() string {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return string(j[i+1:])
	}
	return ""
}

// WithResource returns bare/resource.
func (j JID) WithResource(resource string) JID {
	return JID(string(j.Bare()) + "/" + resource)
}

func (j JID) String() string {
	return string(j)
}
