package events

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func staticResolver(ips ...string) Resolver {
	return func(_ context.Context, _ string) ([]net.IP, error) {
		out := make([]net.IP, 0, len(ips))
		for _, s := range ips {
			out = append(out, net.ParseIP(s))
		}
		return out, nil
	}
}

func TestGuardURLSchemes(t *testing.T) {
	resolve := staticResolver("93.184.216.34")

	assert.NoError(t, GuardURL(context.Background(), "https://hooks.example.com/x", resolve))
	assert.NoError(t, GuardURL(context.Background(), "http://hooks.example.com/x", resolve))

	for _, raw := range []string{
		"ftp://hooks.example.com/x",
		"file:///etc/passwd",
		"gopher://hooks.example.com",
		"hooks.example.com/x", // no scheme
	} {
		err := GuardURL(context.Background(), raw, resolve)
		assert.ErrorIs(t, err, ErrUnsafeURL, raw)
	}
}

func TestGuardURLBlockedAddresses(t *testing.T) {
	cases := map[string]string{
		"loopback v4":  "127.0.0.1",
		"loopback v6":  "::1",
		"private 10":   "10.1.2.3",
		"private 172":  "172.16.0.9",
		"private 192":  "192.168.1.1",
		"private fc00": "fd12::1",
		"link-local":   "169.254.169.254",
		"unspecified":  "0.0.0.0",
		"reserved 240": "240.0.0.1",
		"cgnat":        "100.64.0.1",
		"multicast":    "224.0.0.1",
	}
	for name, ip := range cases {
		// Literal IP in the URL.
		err := GuardURL(context.Background(), "http://"+net.JoinHostPort(ip, "80")+"/hook", nil)
		assert.ErrorIs(t, err, ErrUnsafeURL, "%s literal", name)

		// Hostname resolving to the address.
		err = GuardURL(context.Background(), "http://hooks.example.com/hook", staticResolver(ip))
		assert.ErrorIs(t, err, ErrUnsafeURL, "%s resolved", name)
	}
}

func TestGuardURLInternalSuffixes(t *testing.T) {
	resolve := staticResolver("93.184.216.34")

	for _, host := range []string{"printer.local", "db.prod.internal", "API.INTERNAL"} {
		err := GuardURL(context.Background(), "http://"+host+"/hook", resolve)
		assert.ErrorIs(t, err, ErrUnsafeURL, host)
	}
	// Suffix must match on a label boundary context-free: "internal" inside a
	// longer TLD-less name still matches by suffix, but a public domain with
	// the substring elsewhere passes.
	assert.NoError(t, GuardURL(context.Background(), "https://internal-tools.example.com/hook", resolve))
}

func TestGuardURLMixedResolution(t *testing.T) {
	// One public and one private address: rejected, DNS rebinding style.
	resolve := staticResolver("93.184.216.34", "10.0.0.5")
	err := GuardURL(context.Background(), "https://hooks.example.com/x", resolve)
	assert.ErrorIs(t, err, ErrUnsafeURL)
}

func TestGuardURLResolveFailure(t *testing.T) {
	resolve := func(_ context.Context, _ string) ([]net.IP, error) {
		return nil, errors.New("nxdomain")
	}
	err := GuardURL(context.Background(), "https://hooks.example.com/x", resolve)
	assert.ErrorIs(t, err, ErrUnsafeURL)
}
