// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package peercred

import (
	"fmt"
	"net"
	"runtime"
)

// Resolve always fails on platforms without SO_PEERCRED. The proxy is a
// Linux-only deployment target (spec.md's peer-credential mechanism is
// Linux's SO_PEERCRED); callers treat this as a fatal, fail-closed session
// error exactly as they would a kernel-level resolution failure.
func Resolve(conn *net.UnixConn) (Identity, error) {
	return Identity{}, fmt.Errorf("peercred: peer credentials not supported on %s", runtime.GOOS)
}
