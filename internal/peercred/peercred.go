// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package peercred resolves the POSIX identity of the process at the other
// end of an accepted UNIX-domain socket.
package peercred

// Identity is a peer's resolved user name and the union of their primary
// and supplementary POSIX groups.
type Identity struct {
	User   string
	Groups map[string]struct{}
}

// HasAnyGroup reports whether id belongs to any group named in allowed.
func (id Identity) HasAnyGroup(allowed map[string]struct{}) bool {
	for g := range allowed {
		if _, ok := id.Groups[g]; ok {
			return true
		}
	}
	return false
}
