// Package ssrf validates outbound callback URLs and pins their resolved
// addresses so delivery cannot be redirected after validation.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validation failures surfaced to clients at submission time.
var (
	ErrURLTooLong      = errors.New("webhook_url is too long")
	ErrBadScheme       = errors.New("webhook_url must use http or https")
	ErrHasCredentials  = errors.New("webhook_url must not contain credentials")
	ErrMissingHost     = errors.New("webhook_url has no host")
	ErrForbiddenHost   = errors.New("webhook_url host is not allowed")
	ErrForbiddenTarget = errors.New("webhook_url resolves to a forbidden address")
	ErrNoAddresses     = errors.New("webhook_url host did not resolve")
)

const maxURLLength = 2048

// Resolver abstracts DNS lookup for deterministic tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config controls guard construction.
type Config struct {
	// AllowedHosts restricts destinations to an explicit set when non-empty.
	// Entries starting with a dot match any subdomain; others match exactly.
	// Listed hosts pass even when the name looks internal or resolves to
	// private address space.
	AllowedHosts []string
	// AllowPrivateHosts permits loopback and RFC1918 targets, for dev setups
	// where the callback receiver runs on the same box.
	AllowPrivateHosts bool
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}

// PinnedTarget is a validated callback destination. Delivery must dial IP
// directly and present Hostname for TLS and the Host header.
type PinnedTarget struct {
	URL      *url.URL
	Hostname string
	IP       net.IP
	Port     string
}

// Address returns the pinned ip:port dial target.
func (t PinnedTarget) Address() string {
	return net.JoinHostPort(t.IP.String(), t.Port)
}

// Guard validates callback URLs against scheme, host and address policy.
type Guard struct {
	exact        map[string]struct{}
	suffixes     []string
	allowPrivate bool
	resolver     Resolver
}

// New builds a Guard. Host entries are lowercased; a leading dot marks a
// suffix rule.
func New(cfg Config) *Guard {
	g := &Guard{
		exact:        make(map[string]struct{}),
		allowPrivate: cfg.AllowPrivateHosts,
		resolver:     cfg.Resolver,
	}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}
	for _, h := range cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, ".") {
			g.suffixes = append(g.suffixes, h)
			continue
		}
		g.exact[h] = struct{}{}
	}
	return g
}

// Validate parses and checks a callback URL, resolves its host and returns
// a pinned target. It is called both at submission time and again
// immediately before each delivery, so a DNS flip between the two cannot
// retarget the request.
func (g *Guard) Validate(ctx context.Context, raw string) (PinnedTarget, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxURLLength {
		return PinnedTarget{}, ErrURLTooLong
	}
	u, err := url.Parse(raw)
	if err != nil {
		return PinnedTarget{}, fmt.Errorf("parse webhook_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return PinnedTarget{}, ErrBadScheme
	}
	if u.User != nil {
		return PinnedTarget{}, ErrHasCredentials
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return PinnedTarget{}, ErrMissingHost
	}
	allowlisted := g.allowlisted(host)
	if err := g.checkHost(host, allowlisted); err != nil {
		return PinnedTarget{}, err
	}

	ip, err := g.resolve(ctx, host, allowlisted)
	if err != nil {
		return PinnedTarget{}, err
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return PinnedTarget{URL: u, Hostname: host, IP: ip, Port: port}, nil
}

// allowlisted reports whether the host matches an explicit allowlist entry,
// by exact name or dot-prefixed suffix.
func (g *Guard) allowlisted(host string) bool {
	if _, ok := g.exact[host]; ok {
		return true
	}
	for _, suffix := range g.suffixes {
		if strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
			return true
		}
	}
	return false
}

// checkHost enforces name-level policy before any DNS happens. Explicit
// allowlist membership overrides the internal-name rejection: a listed
// `.internal` host is a deliberate operator choice.
func (g *Guard) checkHost(host string, allowlisted bool) error {
	if allowlisted {
		return nil
	}
	if !g.allowPrivate {
		switch {
		case host == "localhost",
			strings.HasSuffix(host, ".localhost"),
			strings.HasSuffix(host, ".local"),
			strings.HasSuffix(host, ".internal"):
			return ErrForbiddenHost
		}
	}
	if len(g.exact) == 0 && len(g.suffixes) == 0 {
		return nil
	}
	return ErrForbiddenHost
}

// resolve looks up every address for the host and rejects the URL if any of
// them is forbidden. Pinning the first allowed address while another record
// points somewhere private would still leave a rebinding hole.
func (g *Guard) resolve(ctx context.Context, host string, allowlisted bool) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := g.checkIP(ip, allowlisted); err != nil {
			return nil, err
		}
		return ip, nil
	}
	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	for _, addr := range addrs {
		if err := g.checkIP(addr.IP, allowlisted); err != nil {
			return nil, err
		}
	}
	return addrs[0].IP, nil
}

// checkIP applies address-range policy. Allowlisted hosts may resolve to
// private space; nothing may resolve to multicast or the unspecified address.
func (g *Guard) checkIP(ip net.IP, allowlisted bool) error {
	if g.allowPrivate || allowlisted {
		if ip.IsMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: %s", ErrForbiddenTarget, ip)
		}
		return nil
	}
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return fmt.Errorf("%w: %s", ErrForbiddenTarget, ip)
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 100.64/10 carrier NAT and 192.0.0/24 protocol assignments are not
		// covered by net.IP.IsPrivate.
		if ip4[0] == 100 && ip4[1]&0xc0 == 64 {
			return fmt.Errorf("%w: %s", ErrForbiddenTarget, ip)
		}
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 0 {
			return fmt.Errorf("%w: %s", ErrForbiddenTarget, ip)
		}
	}
	return nil
}
