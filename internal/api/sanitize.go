package api

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// stripPolicy removes every HTML element and attribute.
var stripPolicy = bluemonday.StrictPolicy()

// hostnameRE matches RFC 1123 hostnames: dot-separated labels of letters,
// digits and hyphens, no leading or trailing hyphen per label.
var hostnameRE = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// CleanString trims whitespace, removes null bytes, strips HTML and caps the
// length. Handlers call it on every user-supplied string that lands in the
// data model.
func CleanString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = stripPolicy.Sanitize(s)
	s = strings.TrimSpace(s)
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidateHostOrIP accepts an IP literal or an RFC 1123 hostname.
func ValidateHostOrIP(s string) error {
	if s == "" {
		return fmt.Errorf("host is required")
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	if len(s) > 253 || !hostnameRE.MatchString(s) {
		return fmt.Errorf("%q is not a valid hostname or IP address", s)
	}
	return nil
}

// ValidatePort accepts 1–65535.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d is out of range (1-65535)", port)
	}
	return nil
}

// ValidateUsername accepts non-empty names without whitespace or control
// characters, capped at 64 bytes.
func ValidateUsername(s string) error {
	if s == "" {
		return fmt.Errorf("username is required")
	}
	if len(s) > 64 {
		return fmt.Errorf("username exceeds 64 characters")
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("username contains invalid characters")
		}
	}
	return nil
}
