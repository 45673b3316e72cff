package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrUnsafeURL is the base error for every SSRF-guard rejection.
var ErrUnsafeURL = errors.New("events: webhook url rejected")

// Resolver turns a hostname into addresses. Injectable so tests can exercise
// the guard without touching DNS.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

func defaultResolver(ctx context.Context, host string) ([]net.IP, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// internalSuffixes are hostname patterns that never leave the building.
var internalSuffixes = []string{".local", ".internal"}

// GuardURL validates a webhook destination. It rejects non-http(s) schemes,
// internal hostname suffixes, and any URL whose host resolves to a loopback,
// private, link-local, unspecified or reserved address. It runs on every
// delivery, not only at webhook creation, so a DNS record repointed at an
// internal address after create is still caught.
func GuardURL(ctx context.Context, rawURL string, resolve Resolver) error {
	if resolve == nil {
		resolve = defaultResolver
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafeURL)
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("%w: internal hostname %q", ErrUnsafeURL, host)
		}
	}

	// A literal IP skips DNS.
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %v", ErrUnsafeURL, host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("%w: %q resolves to nothing", ErrUnsafeURL, host)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address %s", ErrUnsafeURL, ip)
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address %s", ErrUnsafeURL, ip)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address %s", ErrUnsafeURL, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address %s", ErrUnsafeURL, ip)
	case ip.IsMulticast():
		return fmt.Errorf("%w: multicast address %s", ErrUnsafeURL, ip)
	case isReserved(ip):
		return fmt.Errorf("%w: reserved address %s", ErrUnsafeURL, ip)
	}
	return nil
}

// isReserved covers IPv4 blocks not classified by the net predicates:
// 240.0.0.0/4 (future use) and 100.64.0.0/10 (carrier-grade NAT).
func isReserved(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4[0] >= 240 {
		return true
	}
	if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return true
	}
	return false
}
