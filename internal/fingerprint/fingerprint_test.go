// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package fingerprint_test

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/nethesis/keyholder/internal/fingerprint"
)

func TestMD5Form(t *testing.T) {
	blob := []byte("some SSH public key blob")
	sum := md5.Sum(blob)
	want := hex.EncodeToString(sum[:])

	got := fingerprint.MD5(blob)
	if got != want {
		t.Errorf("MD5(%q) = %q, want %q", blob, got, want)
	}
	if strings.Contains(got, ":") {
		t.Errorf("MD5(%q) = %q, contains a colon", blob, got)
	}
	if len(got) != 32 {
		t.Errorf("MD5(%q) has length %d, want 32", blob, len(got))
	}
}

func TestSHA256Form(t *testing.T) {
	blob := []byte("some other SSH public key blob")
	sum := sha256.Sum256(blob)
	want := "SHA256" + base64.RawStdEncoding.EncodeToString(sum[:])

	got := fingerprint.SHA256(blob)
	if got != want {
		t.Errorf("SHA256(%q) = %q, want %q", blob, got, want)
	}
	if !strings.HasPrefix(got, "SHA256") || strings.HasPrefix(got, "SHA256:") {
		t.Errorf("SHA256(%q) = %q, want SHA256 prefix with no colon", blob, got)
	}
}

func TestBothDeterministic(t *testing.T) {
	blob := []byte("deterministic blob")
	m1, s1 := fingerprint.Both(blob)
	m2, s2 := fingerprint.Both(blob)
	if m1 != m2 || s1 != s2 {
		t.Errorf("Both is not deterministic: (%q,%q) vs (%q,%q)", m1, s1, m2, s2)
	}
}
