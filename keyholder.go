// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package keyholder implements a filtering proxy in front of an SSH agent
// socket.
//
// A [Server] accepts connections on a UNIX-domain bind socket and, for
// each, opens a dedicated connection to an upstream SSH agent and
// multiplexes agent-protocol frames between the two. Client-originated
// messages are checked against a per-key, per-POSIX-group [policy.Policy]
// before being forwarded; everything the upstream agent sends is relayed
// back verbatim. See the subpackages of internal/ for the four concerns
// that do the actual work: internal/wire (framing), internal/policy
// (the fingerprint-to-groups index), internal/peercred (resolving the
// connecting process's identity), and internal/filter (the forward/reject
// decision), composed per-connection by internal/session.
package keyholder

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/creachadair/taskgroup"

	"github.com/nethesis/keyholder/internal/peercred"
	"github.com/nethesis/keyholder/internal/policy"
	"github.com/nethesis/keyholder/internal/session"
)

// Config carries the settings for a [Server].
type Config struct {
	// Policy is the authorization index to enforce. It must be set, and is
	// never mutated after the server starts (spec.md §3, §5).
	Policy *policy.Policy

	// Connect is the path to the upstream SSH agent's UNIX-domain socket.
	// It must be set.
	Connect string

	// Logf, if set, is used to write diagnostics. If nil, logs are
	// discarded.
	Logf func(string, ...any)
}

// NewServer constructs a new [Server] that proxies to the upstream agent
// named by config.Connect, enforcing config.Policy.
func NewServer(config Config) *Server {
	if config.Policy == nil {
		panic("keyholder: nil Policy")
	}
	if config.Connect == "" {
		panic("keyholder: empty Connect address")
	}
	return &Server{policy: config.Policy, connect: config.Connect, logf: config.Logf}
}

// Server accepts client connections and proxies each to its own upstream
// agent connection under the server's policy. The zero value is not usable;
// construct with [NewServer].
type Server struct {
	policy  *policy.Policy
	connect string
	logf    func(string, ...any)
}

// Serve accepts connections from lst and serves each in its own goroutine,
// filtering client-originated traffic per the server's policy. It accepts
// until lst closes or ctx ends (spec.md §2 "listener", §5 "Scheduling").
// Sessions already in progress are not interrupted; Serve returns once
// every session it started has ended.
func (s *Server) Serve(ctx context.Context, lst net.Listener) {
	ctx, cancel := context.WithCancel(ctx)
	var g taskgroup.Group
	g.Run(func() {
		<-ctx.Done()
		s.logPrintf("context done; closing listener")
		lst.Close()
	})
	for {
		conn, err := lst.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logPrintf("listener stopped: %v", err)
			}
			break
		}
		g.Go(func() error {
			if err := s.ServeOne(conn); err != nil {
				s.logPrintf("session ended: %v", err)
			}
			return nil
		})
	}
	cancel() // release the listener-closing goroutine if lst closed on its own
	g.Wait()
}

// ServeOne proxies a single accepted client connection: it resolves the
// client's peer credentials, dials the upstream agent, and runs the
// resulting [session.Session] to completion. It is safe to call ServeOne
// concurrently from multiple goroutines with separate connections,
// including while Serve is running.
//
// ServeOne implements the "listener" component of spec.md §2: everything
// beyond accepting the connection and wiring its two collaborators is
// delegated to internal/session.
func (s *Server) ServeOne(conn net.Conn) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("keyholder: connection is not a UNIX-domain socket (%T)", conn)
	}

	peer, err := peercred.Resolve(unixConn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("keyholder: resolving peer credentials: %w", err)
	}

	agentConn, err := net.Dial("unix", s.connect)
	if err != nil {
		conn.Close()
		return fmt.Errorf("keyholder: connecting to upstream agent: %w", err)
	}

	sess := &session.Session{
		Client: conn,
		Agent:  agentConn,
		Peer:   peer,
		Policy: s.policy,
		Logf:   s.logf,
	}
	return sess.Run()
}

func (s *Server) logPrintf(msg string, args ...any) {
	if s.logf != nil {
		s.logf(msg, args...)
	}
}
