// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package keyholder_test

import (
	"crypto/ed25519"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nethesis/keyholder/internal/peercred"
	"github.com/nethesis/keyholder/internal/policy"
	"github.com/nethesis/keyholder/internal/session"
	"github.com/nethesis/keyholder/internal/wire"
)

// fakeAgent answers every list-identities frame with an empty identities
// answer and every sign request with a fixed signature reply, and reports
// everything it received on received so the test can assert on exactly
// what reached it.
func fakeAgent(t *testing.T, conn net.Conn, received chan<- wire.Message) {
	t.Helper()
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		received <- msg
		switch msg.Code {
		case wire.RequestIdentities, wire.RequestRSAIdentities:
			wire.WriteMessage(conn, 12, nil) // SSH2_AGENT_IDENTITIES_ANSWER, no keys
		case wire.SignRequest:
			wire.WriteMessage(conn, 14, []byte("signature")) // SSH2_AGENT_SIGN_RESPONSE
		}
	}
}

func testKey(t *testing.T, seed byte) ssh.PublicKey {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	for i := range seedBytes {
		seedBytes[i] = seed
	}
	pub, err := ssh.NewPublicKey(ed25519.NewKeyFromSeed(seedBytes).Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return pub
}

func lengthPrefixed(b []byte) []byte {
	n := len(b)
	return append([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}, b...)
}

func signRequestBody(pub ssh.PublicKey) []byte {
	var body []byte
	body = append(body, lengthPrefixed(pub.Marshal())...)
	body = append(body, lengthPrefixed([]byte("challenge"))...)
	body = append(body, 0, 0, 0, 0)
	return body
}

// testPolicy builds a Policy binding a single key ("keyA") to group
// "admins", mirroring spec.md §8's literal end-to-end scenarios.
func testPolicy(t *testing.T) (pol *policy.Policy, keyA, keyB ssh.PublicKey) {
	t.Helper()
	keysDir := t.TempDir()
	policyDir := t.TempDir()

	keyA = testKey(t, 0xA0)
	keyB = testKey(t, 0xB0)
	for name, pub := range map[string]ssh.PublicKey{"keyA": keyA, "keyB": keyB} {
		line := ssh.MarshalAuthorizedKey(pub)
		if err := os.WriteFile(filepath.Join(keysDir, name+".pub"), line, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(policyDir, "admins.yml"), []byte("admins:\n  - keyA\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pol, err := policy.Load(policyDir, keysDir, t.Logf)
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}
	return pol, keyA, keyB
}

// startSession drives a session.Session directly against in-memory pipes,
// standing in for what keyholder.Server.ServeOne wires together (a real
// deployment instead dials a UNIX-domain socket and resolves peer
// credentials via internal/peercred, which needs a real kernel socket to
// operate on). This exercises the same forwarding and authorization
// behavior end to end, under an injected peer identity.
func startSession(t *testing.T, pol *policy.Policy, peer peercred.Identity) (client net.Conn, toAgent chan wire.Message) {
	t.Helper()
	clientSide, clientConn := net.Pipe()
	agentSide, agentConn := net.Pipe()

	received := make(chan wire.Message, 8)
	go fakeAgent(t, agentSide, received)

	sess := &session.Session{
		Client: clientConn,
		Agent:  agentConn,
		Peer:   peer,
		Policy: pol,
		Logf:   t.Logf,
	}
	go sess.Run()

	t.Cleanup(func() { clientSide.Close() })
	return clientSide, received
}

func TestAdminListsIdentities(t *testing.T) {
	pol, _, _ := testPolicy(t)
	client, toAgent := startSession(t, pol, peercred.Identity{User: "alice", Groups: map[string]struct{}{"admins": {}}})

	if err := wire.WriteMessage(client, wire.RequestIdentities, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-toAgent:
		if msg.Code != wire.RequestIdentities {
			t.Errorf("agent saw code %d, want %d", msg.Code, wire.RequestIdentities)
		}
	case <-time.After(time.Second):
		t.Fatal("agent never saw the list-identities frame")
	}
	reply, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Code != 12 {
		t.Errorf("client got code %d, want the agent's identities answer (12)", reply.Code)
	}
}

func TestAdminSignsWithAuthorizedKey(t *testing.T) {
	pol, keyA, _ := testPolicy(t)
	client, toAgent := startSession(t, pol, peercred.Identity{User: "alice", Groups: map[string]struct{}{"admins": {}}})

	body := signRequestBody(keyA)
	if err := wire.WriteMessage(client, wire.SignRequest, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-toAgent:
		if msg.Code != wire.SignRequest || string(msg.Body) != string(body) {
			t.Errorf("agent saw %+v, want the unmodified sign request", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("agent never saw the sign request")
	}
	reply, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Code != 14 {
		t.Errorf("client got code %d, want the agent's signature reply (14)", reply.Code)
	}
}

func TestUnauthorizedGroupGetsFailureNotForwarded(t *testing.T) {
	pol, keyA, _ := testPolicy(t)
	client, toAgent := startSession(t, pol, peercred.Identity{User: "bob", Groups: map[string]struct{}{"users": {}}})

	body := signRequestBody(keyA)
	if err := wire.WriteMessage(client, wire.SignRequest, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Code != wire.Failure || len(reply.Body) != 0 {
		t.Fatalf("client got %+v, want a bare failure frame", reply)
	}
	select {
	case msg := <-toAgent:
		t.Fatalf("agent unexpectedly received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthorizedGroupWrongKeyGetsFailure(t *testing.T) {
	pol, _, keyB := testPolicy(t)
	client, toAgent := startSession(t, pol, peercred.Identity{User: "alice", Groups: map[string]struct{}{"admins": {}}})

	body := signRequestBody(keyB)
	if err := wire.WriteMessage(client, wire.SignRequest, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Code != wire.Failure {
		t.Fatalf("client got code %d, want failure", reply.Code)
	}
	select {
	case msg := <-toAgent:
		t.Fatalf("agent unexpectedly received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnknownCodeGetsFailureAndSessionContinues(t *testing.T) {
	pol, _, _ := testPolicy(t)
	client, _ := startSession(t, pol, peercred.Identity{User: "alice", Groups: map[string]struct{}{"admins": {}}})

	if err := wire.WriteMessage(client, 99, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Code != wire.Failure {
		t.Fatalf("client got code %d, want failure", reply.Code)
	}

	// The session must still be alive for subsequent messages.
	if err := wire.WriteMessage(client, wire.RequestIdentities, nil); err != nil {
		t.Fatalf("write after unknown code: %v", err)
	}
	reply2, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading second reply: %v", err)
	}
	if reply2.Code != 12 {
		t.Errorf("client got code %d after recovering, want the identities answer", reply2.Code)
	}
}

func TestConcurrentPeersDoNotCrossTalk(t *testing.T) {
	pol, keyA, _ := testPolicy(t)
	adminClient, adminToAgent := startSession(t, pol, peercred.Identity{User: "alice", Groups: map[string]struct{}{"admins": {}}})
	userClient, userToAgent := startSession(t, pol, peercred.Identity{User: "bob", Groups: map[string]struct{}{"users": {}}})

	body := signRequestBody(keyA)
	errs := make(chan error, 2)
	go func() { errs <- wire.WriteMessage(adminClient, wire.SignRequest, body) }()
	go func() { errs <- wire.WriteMessage(userClient, wire.SignRequest, body) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	adminReply, err := wire.ReadMessage(adminClient)
	if err != nil {
		t.Fatalf("admin reading reply: %v", err)
	}
	if adminReply.Code != 14 {
		t.Errorf("admin peer got code %d, want signature reply (14)", adminReply.Code)
	}

	userReply, err := wire.ReadMessage(userClient)
	if err != nil {
		t.Fatalf("user reading reply: %v", err)
	}
	if userReply.Code != wire.Failure {
		t.Errorf("user peer got code %d, want failure", userReply.Code)
	}

	select {
	case msg := <-adminToAgent:
		if msg.Code != wire.SignRequest {
			t.Errorf("admin's agent saw code %d", msg.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("admin's agent never saw the sign request")
	}
	select {
	case msg := <-userToAgent:
		t.Fatalf("user's agent unexpectedly received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
