// Package acl implements the hub's ACL gate (C6): a pure, write-once
// host-to-decision policy consulted by both frontends before dialing a
// destination, deciding whether to bridge through the upstream or connect
// directly.
package acl

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

// Policy answers whether a destination host must be proxied through the
// upstream. A nil Policy (or one returned by Always) means "always
// proxy" -- the hub's default when no ACL file is configured.
type Policy interface {
	// MustProxy reports whether host must be bridged through the upstream.
	// false means the frontend should connect to host directly.
	MustProxy(host string) bool
}

// alwaysProxy is the default policy: spec §4.6 states "absent -> always
// proxy".
type alwaysProxy struct{}

func (alwaysProxy) MustProxy(string) bool { return true }

// Always returns the default policy used when no ACL file is configured.
func Always() Policy { return alwaysProxy{} }

// file is a YAML-loaded static host list. Hosts listed here bypass the
// upstream and are dialed directly; every other host is proxied.
//
// File format:
//
//	direct:
//	  - example.com
//	  - "*.internal.example"
type file struct {
	direct map[string]bool
	suffix []string
}

type fileDoc struct {
	Direct []string `yaml:"direct"`
}

// Load parses an ACL file at path. Each entry is normalized to its ASCII
// (punycode) form via golang.org/x/net/idna so Unicode and ASCII spellings
// of the same host match the same rule. Entries of the form "*.domain"
// match domain and any subdomain of it; all other entries match exactly.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: reading %s: %w", path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("acl: parsing %s: %w", path, err)
	}

	f := &file{direct: make(map[string]bool)}
	for _, entry := range doc.Direct {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			norm, err := normalizeHost(entry[2:])
			if err != nil {
				return nil, fmt.Errorf("acl: entry %q: %w", entry, err)
			}
			f.suffix = append(f.suffix, "."+norm)
			continue
		}
		norm, err := normalizeHost(entry)
		if err != nil {
			return nil, fmt.Errorf("acl: entry %q: %w", entry, err)
		}
		f.direct[norm] = true
	}
	return f, nil
}

// MustProxy implements Policy: host is proxied unless it matches a direct
// entry, or is the domain of a "*.domain" entry or a subdomain of it.
func (f *file) MustProxy(host string) bool {
	norm, err := normalizeHost(host)
	if err != nil {
		// An unresolvable/invalid host can't match a direct rule; proxy it
		// and let the upstream report the failure.
		return true
	}
	if f.direct[norm] {
		return false
	}
	for _, suf := range f.suffix {
		if strings.HasSuffix(norm, suf) || norm == suf[1:] {
			return false
		}
	}
	return true
}

// normalizeHost lowercases and converts an IDN hostname to its ASCII
// (punycode) form. IP-literal hosts pass through idna.Lookup unchanged.
func normalizeHost(host string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return ascii, nil
}
