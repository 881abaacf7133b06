// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package policy loads the group-authorization policy and builds the
// immutable fingerprint-to-groups index the filter consults.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/nethesis/keyholder/internal/fingerprint"
)

// Policy is the immutable mapping from a fingerprint, in either canonical
// form, to the set of POSIX groups permitted to sign with that key. It is
// built once by Load and never mutated afterward.
type Policy struct {
	groups map[string]map[string]struct{}
}

// AllowedGroups returns the set of groups permitted to sign with the key
// whose fingerprint is fp, or nil if fp is not indexed.
func (p *Policy) AllowedGroups(fp string) map[string]struct{} {
	return p.groups[fp]
}

// Load builds a Policy from the on-disk configuration:
//
//   - policyDir contains YAML files, each mapping a group name to a list of
//     key names (spec.md §4.2, §6 "Policy-file format").
//   - keysDir contains the agent's public-key files, one key per
//     "NAME.pub" file (spec.md §6 "Agent public-key directory").
//
// A policy entry naming a key with no corresponding public key file is
// dropped with a diagnostic; it is never an error. The result depends only
// on the set of files present, not on the order they are read in.
func Load(policyDir, keysDir string, logf func(string, ...any)) (*Policy, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	keyFingerprints, err := loadKeyFingerprints(keysDir, logf)
	if err != nil {
		return nil, fmt.Errorf("policy: loading keys from %s: %w", keysDir, err)
	}

	groupsByKey, err := loadGroupMembership(policyDir, logf)
	if err != nil {
		return nil, fmt.Errorf("policy: loading policy files from %s: %w", policyDir, err)
	}

	index := make(map[string]map[string]struct{})
	for keyName, allowedGroups := range groupsByKey {
		fps, ok := keyFingerprints[keyName]
		if !ok {
			logf("policy: key %q referenced in policy has no matching public key; dropping", keyName)
			continue
		}
		for _, fp := range fps {
			if index[fp] == nil {
				index[fp] = make(map[string]struct{})
			}
			for g := range allowedGroups {
				index[fp][g] = struct{}{}
			}
		}
	}
	return &Policy{groups: index}, nil
}

// loadKeyFingerprints reads every "*.pub" file in dir and returns, for each
// file's basename (without extension), both fingerprint forms of the key it
// contains. Indexing both forms resolves spec.md §9's open question in
// favor of making the sign path's dual-fingerprint lookup meaningful
// regardless of which form a policy's key happens to be identified by.
func loadKeyFingerprints(dir string, logf func(string, ...any)) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logf("policy: reading %s: %v; skipping", path, err)
			continue
		}
		pubKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			logf("policy: parsing %s: %v; skipping", path, err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".pub")
		md5, sha256 := fingerprint.Both(pubKey.Marshal())
		out[name] = []string{md5, sha256}
	}
	return out, nil
}

// groupFile is the shape of one policy YAML file: group name to key names.
type groupFile map[string][]string

// loadGroupMembership reads every "*.yml"/"*.yaml" file in dir and returns,
// for each key name, the union of groups across all files that list it.
// A key listed under the same group in two files is idempotent, via the
// set semantics of the accumulator.
func loadGroupMembership(dir string, logf func(string, ...any)) (map[string]map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	groupsByKey := make(map[string]map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() || !hasYAMLExt(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logf("policy: reading %s: %v; skipping", path, err)
			continue
		}
		var gf groupFile
		if err := yaml.Unmarshal(data, &gf); err != nil {
			logf("policy: parsing %s: %v; skipping", path, err)
			continue
		}
		for group, keyNames := range gf {
			for _, keyName := range keyNames {
				if groupsByKey[keyName] == nil {
					groupsByKey[keyName] = make(map[string]struct{})
				}
				groupsByKey[keyName][group] = struct{}{}
			}
		}
	}
	return groupsByKey, nil
}

func hasYAMLExt(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}
