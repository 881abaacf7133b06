// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package session implements one accepted client connection's lifetime: a
// bidirectional, filtering proxy between that client and a dedicated
// upstream agent connection.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/taskgroup"

	"github.com/nethesis/keyholder/internal/filter"
	"github.com/nethesis/keyholder/internal/peercred"
	"github.com/nethesis/keyholder/internal/policy"
	"github.com/nethesis/keyholder/internal/wire"
)

// Session owns one client connection and its dedicated upstream agent
// connection, and multiplexes framed messages between them until either
// side closes or a fatal error occurs (spec.md §3, §4.5).
type Session struct {
	Client net.Conn
	Agent  net.Conn
	Peer   peercred.Identity
	Policy *policy.Policy

	// Logf, if set, is used to report session-scoped diagnostics. If nil,
	// diagnostics are discarded.
	Logf func(string, ...any)
}

// Run multiplexes the session until termination, then closes both sockets.
// It implements the two-cooperating-tasks shape spec.md §5 and §9 sanction:
// one goroutine pumps client-originated messages through the filter to the
// agent, the other relays agent-originated messages verbatim to the
// client. Run returns once both pumps have stopped; a nil return means the
// session ended in a clean close on one side, a non-nil error reports the
// fault that ended it (for the caller's diagnostic, never propagated to
// any other session).
func (s *Session) Run() error {
	defer s.Client.Close()
	defer s.Agent.Close()

	var errClientToAgent, errAgentToClient error
	var g taskgroup.Group
	g.Go(func() error { errClientToAgent = s.pumpClientToAgent(); return nil })
	g.Go(func() error { errAgentToClient = s.pumpAgentToClient(); return nil })
	g.Wait()

	// Whichever pump exits first closes both sockets, which unblocks the
	// other pump's in-flight read with an error of its own. That induced
	// error is not a second, independent fault, so only a genuine error —
	// one that is not just the echo of the peer pump's shutdown — is
	// reported.
	if errClientToAgent != nil && !isCleanClose(errClientToAgent) {
		return errClientToAgent
	}
	if errAgentToClient != nil && !isCleanClose(errAgentToClient) {
		return errAgentToClient
	}
	return nil
}

// pumpClientToAgent reads one framed message at a time from the client,
// applies the filter, and either forwards the original frame to the agent
// or writes a synthesized failure frame back to the client. It stops on a
// clean client EOF, a framing error, or an I/O error, in which case it
// closes both sockets so the peer pump unblocks.
func (s *Session) pumpClientToAgent() error {
	defer s.Client.Close()
	defer s.Agent.Close()

	for {
		msg, err := wire.ReadMessage(s.Client)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // clean client close
			}
			s.logf("client framing/io error: %v", err)
			return fmt.Errorf("session: client read: %w", err)
		}

		decision := filter.Decide(msg.Code, msg.Body, s.Peer.Groups, s.Policy)
		if decision.Forward {
			if err := wire.WriteMessage(s.Agent, msg.Code, decision.Body); err != nil {
				s.logf("writing to agent: %v", err)
				return fmt.Errorf("session: agent write: %w", err)
			}
			continue
		}

		if err := wire.WriteMessage(s.Client, wire.Failure, nil); err != nil {
			s.logf("writing failure reply to client: %v", err)
			return fmt.Errorf("session: client write: %w", err)
		}
	}
}

// pumpAgentToClient relays every frame the agent sends, verbatim and in
// order, to the client. It stops on a clean agent EOF, a framing error, or
// an I/O error, in which case it closes both sockets so the peer pump
// unblocks.
func (s *Session) pumpAgentToClient() error {
	defer s.Client.Close()
	defer s.Agent.Close()

	for {
		msg, err := wire.ReadMessage(s.Agent)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // clean upstream close
			}
			s.logf("agent framing/io error: %v", err)
			return fmt.Errorf("session: agent read: %w", err)
		}
		if err := wire.WriteMessage(s.Client, msg.Code, msg.Body); err != nil {
			s.logf("writing to client: %v", err)
			return fmt.Errorf("session: client write: %w", err)
		}
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf("session[%s]: "+format, append([]any{s.Peer.User}, args...)...)
	}
}

// isCleanClose reports whether err is the read/write failure a pump sees
// because its peer pump already closed both sockets on its own exit path.
// That is the expected shape of a coordinated shutdown, not a fault: one
// direction ending (cleanly or not) always unblocks the other, which must
// not be mistaken for a second, independent fault.
func isCleanClose(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
