package services

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"tenantdomains/internal/status"
)

const maxDomainLength = 255

// Each label: 1-63 alphanumerics or hyphens, no leading or trailing hyphen.
// At least two labels.
var domainRegex = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// CanonicalDomain trims and lowercases raw and validates the result as a
// hostname. Nothing else is rewritten: a trailing dot, Unicode or any other
// character outside the grammar is rejected, so the stored key is always the
// submitted name. Internationalized names must be sent as A-labels.
func CanonicalDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return "", status.Errorf(status.InvalidInput, "domain is required")
	}
	if len(d) > maxDomainLength || !domainRegex.MatchString(d) {
		return "", status.Errorf(status.InvalidInput, "invalid domain %q", raw)
	}

	for _, label := range strings.Split(d, ".") {
		if !strings.HasPrefix(label, "xn--") {
			continue
		}
		if _, err := idna.Punycode.ToUnicode(label); err != nil {
			return "", status.Errorf(status.InvalidInput, "invalid domain %q: bad punycode label %q", raw, label)
		}
	}
	return d, nil
}

// NormalizeHost turns a request Host value into the form domains are stored in.
// A Unicode host is mapped to its A-label form.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if !isASCII(host) {
		if ascii, err := idna.Lookup.ToASCII(host); err == nil {
			host = ascii
		}
	}
	return host
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// IsIPHost reports whether host is an IP literal, as used when the service is
// reached directly rather than through a domain.
func IsIPHost(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}
