// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ResolverFunc computes the upstream base URI for a matched request.
// It is only consulted in path-based mode, after the prefix check.
type ResolverFunc func(r *http.Request) (string, error)

// Binding determines the outbound destination for an upgrade request.
// Exactly one mode is active: a static target URI fixed at setup, or a
// path prefix paired with a resolver that supplies the base URI per
// request. The zero value is invalid.
type Binding struct {
	target   *url.URL
	prefix   string
	resolver ResolverFunc
}

// StaticBinding creates a binding that forwards every upgrade request
// to the fixed target URI.
func StaticBinding(target string) (Binding, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Binding{}, fmt.Errorf("failed to parse target URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Binding{}, fmt.Errorf("target URL %q must be absolute", target)
	}
	return Binding{target: u}, nil
}

// PathBinding creates a binding that forwards upgrade requests whose
// path starts with prefix. The remaining path suffix is rewritten onto
// the base URI returned by the resolver.
func PathBinding(prefix string, resolver ResolverFunc) (Binding, error) {
	if prefix == "" {
		return Binding{}, fmt.Errorf("path prefix must not be empty")
	}
	if resolver == nil {
		return Binding{}, fmt.Errorf("resolver must not be nil")
	}
	return Binding{prefix: prefix, resolver: resolver}, nil
}

func (b Binding) valid() bool {
	return b.target != nil || b.resolver != nil
}

// Resolve computes the destination URI for r. It reports ok=false when
// the request does not match the configured prefix and should be
// delegated to the next stage instead of proxied.
func (b Binding) Resolve(r *http.Request) (string, bool, error) {
	if b.target != nil {
		return b.target.String(), true, nil
	}

	if !strings.HasPrefix(r.URL.Path, b.prefix) {
		return "", false, nil
	}

	// The prefix check above makes a negative length unreachable, but
	// clamp to empty rather than panic on a slice out of range.
	suffix := ""
	if len(r.URL.Path) > len(b.prefix) {
		suffix = r.URL.Path[len(b.prefix):]
	}

	base, err := b.resolver(r)
	if err != nil {
		return "", true, err
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", true, fmt.Errorf("failed to parse resolved base URL %q: %w", base, err)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	u.RawQuery = r.URL.RawQuery
	return u.String(), true, nil
}
