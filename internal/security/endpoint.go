package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeURL is returned for webhook targets the server must not call.
var ErrUnsafeURL = errors.New("security: unsafe webhook URL")

var blockedHosts = []string{"metadata.google.internal", "metadata.google"}

// ValidateWebhookURL checks that a settlement webhook target is safe for
// server-side requests. Private, loopback, link-local and unspecified
// addresses are refused unless allowPrivate is set, which development
// deployments use to post to a local receiver. Hostnames are resolved and
// every address is checked.
func ValidateWebhookURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrUnsafeURL)
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeURL, host)
		}
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeURL, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrUnsafeURL, host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeURL)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrUnsafeURL)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeURL)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeURL)
	}
	return nil
}
