package util

import (
	"net"
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// SanitizeForLog removes control characters and newlines from agent-supplied values
// such as usernames before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// NormalizeIP returns the canonical text form of an IPv4 or IPv6 address, so that
// "::ffff:203.0.113.5" and "203.0.113.5" key the same block. ok is false when s is not
// an address.
func NormalizeIP(s string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return "", false
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String(), true
	}
	return ip.String(), true
}

// NormalizeHostAddress accepts an address optionally written as a single-host prefix
// ("203.0.113.5/32", "2001:db8::1/128") as firewall listings print them, and returns
// its canonical form. Wider prefixes are rejected.
func NormalizeHostAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		ip, n, err := net.ParseCIDR(s)
		if err != nil {
			return "", false
		}
		if ones, bits := n.Mask.Size(); ones != bits {
			return "", false
		}
		s = ip.String()
	}
	return NormalizeIP(s)
}
