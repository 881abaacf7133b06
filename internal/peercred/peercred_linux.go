// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package peercred

import (
	"fmt"
	"net"
	"os/user"

	"golang.org/x/sys/unix"
)

// Resolve reads SO_PEERCRED off conn and maps the reported UID/GID to a
// POSIX identity: the user name owning the UID, plus the union of the
// user's primary group and every group that lists the user as a member.
//
// Resolve fails if the kernel does not report peer credentials (conn is
// not actually a UNIX-domain socket, or the platform lacks SO_PEERCRED), or
// if the UID/GID cannot be resolved to names. The session treats either as
// a fatal, fail-closed session error.
func Resolve(conn *net.UnixConn) (Identity, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Identity{}, fmt.Errorf("peercred: raw conn: %w", err)
	}

	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return Identity{}, fmt.Errorf("peercred: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return Identity{}, fmt.Errorf("peercred: SO_PEERCRED: %w", sockErr)
	}

	u, err := user.LookupId(fmt.Sprint(cred.Uid))
	if err != nil {
		return Identity{}, fmt.Errorf("peercred: resolve uid %d: %w", cred.Uid, err)
	}
	primary, err := user.LookupGroupId(fmt.Sprint(cred.Gid))
	if err != nil {
		return Identity{}, fmt.Errorf("peercred: resolve gid %d: %w", cred.Gid, err)
	}

	groups := map[string]struct{}{primary.Name: {}}
	ids, err := u.GroupIds()
	if err != nil {
		return Identity{}, fmt.Errorf("peercred: list groups for %q: %w", u.Username, err)
	}
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			continue // group vanished between enumeration and lookup; skip, not fatal
		}
		groups[g.Name] = struct{}{}
	}

	return Identity{User: u.Username, Groups: groups}, nil
}
