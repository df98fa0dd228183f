package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrBlockedURL is returned for URLs that point at internal resources
var ErrBlockedURL = errors.New("url blocked")

// privateIPRanges contains CIDR ranges for private/internal networks
var privateIPRanges = []string{
	"127.0.0.0/8",    // IPv4 loopback
	"10.0.0.0/8",     // RFC1918 private
	"172.16.0.0/12",  // RFC1918 private
	"192.168.0.0/16", // RFC1918 private
	"169.254.0.0/16", // Link-local
	"100.64.0.0/10",  // Carrier-grade NAT
	"::1/128",        // IPv6 loopback
	"fc00::/7",       // IPv6 unique local
	"fe80::/10",      // IPv6 link-local
	"0.0.0.0/8",      // "This" network
}

// blockedHostnames contains hostnames that should never be fetched
var blockedHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"ip6-localhost",
	"ip6-loopback",
	"metadata.google.internal",
	"169.254.169.254",
	"kubernetes.default.svc",
	"kubernetes.default",
}

var parsedCIDRs []*net.IPNet

func init() {
	for _, cidr := range privateIPRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			parsedCIDRs = append(parsedCIDRs, network)
		}
	}
}

// IsPrivateIP checks if an IP address is in a private/internal range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, network := range parsedCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBlockedHostname checks if a hostname (or a parent domain) is in the blocklist
func IsBlockedHostname(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	for _, blocked := range blockedHostnames {
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}

// Resolver looks up the addresses of a host
type Resolver func(host string) ([]net.IP, error)

// URLGuard validates outbound URLs for media and link fetches
type URLGuard struct {
	allowPrivate bool
	resolve      Resolver
}

// NewURLGuard creates a guard. allowPrivate disables the address checks (local development and tests).
func NewURLGuard(allowPrivate bool) *URLGuard {
	return &URLGuard{allowPrivate: allowPrivate, resolve: net.LookupIP}
}

// WithResolver replaces the DNS resolver
func (g *URLGuard) WithResolver(r Resolver) *URLGuard {
	g.resolve = r
	return g
}

// Validate returns an error wrapping ErrBlockedURL if rawURL must not be fetched
func (g *URLGuard) Validate(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format: %v", ErrBlockedURL, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: only http and https schemes are allowed", ErrBlockedURL)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("%w: URL must have a hostname", ErrBlockedURL)
	}

	if g.allowPrivate {
		return nil
	}

	if IsBlockedHostname(hostname) {
		return fmt.Errorf("%w: internal hostname '%s'", ErrBlockedURL, hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("%w: private IP address '%s'", ErrBlockedURL, hostname)
		}
		return nil
	}

	ips, err := g.resolve(hostname)
	if err != nil {
		// Unresolvable hosts fail at dial time
		return nil
	}
	for _, resolvedIP := range ips {
		if IsPrivateIP(resolvedIP) {
			return fmt.Errorf("%w: hostname '%s' resolves to private IP address '%s'", ErrBlockedURL, hostname, resolvedIP)
		}
	}
	return nil
}

// RedirectPolicy returns an http.Client CheckRedirect func that caps the
// number of redirects and re-validates every hop
func (g *URLGuard) RedirectPolicy(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return g.Validate(req.URL.String())
	}
}
