// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package filter implements the stateless per-message authorization
// decision: given a client-originated message and the peer's groups,
// whether to forward it to the upstream agent.
package filter

import (
	"github.com/nethesis/keyholder/internal/fingerprint"
	"github.com/nethesis/keyholder/internal/policy"
	"github.com/nethesis/keyholder/internal/wire"
)

// Decision is the outcome of Decide.
type Decision struct {
	// Forward, if true, means the original message body should be written
	// to the upstream agent verbatim. If false, the proxy should instead
	// synthesize a failure frame to the client.
	Forward bool
	// Body is the body to forward when Forward is true. It is always the
	// original, unmodified body.
	Body []byte
}

var reject = Decision{Forward: false}

// Decide implements the table in spec.md §4.4. groups is the peer's group
// membership; pol is the immutable fingerprint-to-groups policy index.
func Decide(code byte, body []byte, groups map[string]struct{}, pol *policy.Policy) Decision {
	switch code {
	case wire.RequestRSAIdentities, wire.RequestIdentities:
		if len(body) != 0 {
			return reject // trailing bytes on a list-identities request
		}
		return Decision{Forward: true, Body: body}

	case wire.SignRequest:
		req, err := wire.DecodeSignRequest(body)
		if err != nil {
			return reject // unparseable body or unrecognized flags
		}
		md5, sha256 := fingerprint.Both(req.KeyBlob)
		allowed := unionGroups(pol.AllowedGroups(md5), pol.AllowedGroups(sha256))
		if !intersects(groups, allowed) {
			return reject
		}
		return Decision{Forward: true, Body: body}

	default:
		return reject // any other code
	}
}

func unionGroups(a, b map[string]struct{}) map[string]struct{} {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make(map[string]struct{}, len(a)+len(b))
	for g := range a {
		out[g] = struct{}{}
	}
	for g := range b {
		out[g] = struct{}{}
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for g := range a {
		if _, ok := b[g]; ok {
			return true
		}
	}
	return false
}
