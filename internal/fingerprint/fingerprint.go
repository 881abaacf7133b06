// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package fingerprint computes the two canonical fingerprint forms the
// policy index and the filter match keys by.
package fingerprint

import (
	"errors"
	"strings"

	"golang.org/x/crypto/ssh"
)

// MD5 returns the colon-free, lowercase hex MD5 fingerprint of blob, the
// raw SSH public-key wire blob (as produced by ssh.PublicKey.Marshal).
func MD5(blob []byte) string {
	return strings.ReplaceAll(ssh.FingerprintLegacyMD5(rawBlob(blob)), ":", "")
}

// SHA256 returns the SHA-256 fingerprint of blob in the form
// "SHA256<unpadded-base64>", with no colon after the prefix.
func SHA256(blob []byte) string {
	return strings.Replace(ssh.FingerprintSHA256(rawBlob(blob)), "SHA256:", "SHA256", 1)
}

// Both returns both fingerprint forms of blob.
func Both(blob []byte) (md5, sha256 string) {
	return MD5(blob), SHA256(blob)
}

// rawBlob adapts an opaque SSH public-key blob to ssh.PublicKey so that the
// x/crypto/ssh fingerprint formatters, which only ever call Marshal, can be
// reused without requiring the blob to be a structurally valid key. The
// proxy never needs to interpret the blob as a key, only to hash it.
type rawBlob []byte

func (b rawBlob) Marshal() []byte { return b }
func (b rawBlob) Type() string    { return "" }
func (b rawBlob) Verify([]byte, *ssh.Signature) error {
	return errors.New("fingerprint: raw blob does not support Verify")
}
