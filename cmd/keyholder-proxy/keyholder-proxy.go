// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Program keyholder-proxy is a filtering SSH agent proxy: it accepts
// connections on a UNIX-domain socket, forwards client requests to an
// upstream agent only when the connecting process's POSIX group
// membership authorizes the key involved, and relays the agent's replies
// back verbatim.
package main

import (
	"context"
	"fmt"
	"log"
	"log/syslog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/nethesis/keyholder"
	"github.com/nethesis/keyholder/internal/policy"
)

var flags struct {
	Bind    string `flag:"bind,Proxy bind socket path"`
	Connect string `flag:"connect,Upstream agent socket path"`
	AuthDir string `flag:"auth-dir,Directory of group-authorization policy files"`
	KeysDir string `flag:"keys-dir,Directory of the upstream agent's public-key files"`
}

func main() {
	flags.Bind = "/run/keyholder/proxy.sock"
	flags.Connect = "/run/keyholder/agent.sock"
	flags.AuthDir = "/etc/keyholder-auth.d"
	flags.KeysDir = "/etc/keyholder.d"

	root := &command.C{
		Name:     command.ProgramName(),
		Help:     "Serve a filtering SSH agent proxy on the specified socket.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      command.Adapt(run),
		Commands: []*command.C{
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx), os.Args[1:])
}

func run(env *command.Env) error {
	switch {
	case flags.Bind == "":
		return env.Usagef("a --bind socket path is required")
	case flags.Connect == "":
		return env.Usagef("a --connect socket path is required")
	case flags.AuthDir == "":
		return env.Usagef("an --auth-dir path is required")
	case flags.KeysDir == "":
		return env.Usagef("a --keys-dir path is required")
	}

	logf := newDiagnosticSink()

	// The upstream agent may not be up yet, or may restart later; its
	// absence is a per-session connect error (spec.md §7), not a startup
	// failure, so net.Dial in keyholder.ServeOne is left to discover and
	// report it each time a client connects.

	pol, err := policy.Load(flags.AuthDir, flags.KeysDir, logf)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	os.Remove(flags.Bind) // best-effort: drop a stale socket from a prior run
	lst, err := net.Listen("unix", flags.Bind)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(flags.Bind) // best-effort

	srv := keyholder.NewServer(keyholder.Config{
		Policy:  pol,
		Connect: flags.Connect,
		Logf:    logf,
	})
	srv.Serve(env.Context(), lst)
	return nil
}

// newDiagnosticSink returns a Logf backed by the syslog auth facility
// (spec.md §6 "Diagnostics"). If syslog is unreachable, it falls back to
// logging on stderr rather than failing startup over a missing diagnostic
// channel.
func newDiagnosticSink() func(string, ...any) {
	w, err := syslog.NewLogger(syslog.LOG_AUTH|syslog.LOG_NOTICE, 0)
	if err != nil {
		log.Printf("syslog unavailable, logging to stderr: %v", err)
		return log.Printf
	}
	return w.Printf
}
