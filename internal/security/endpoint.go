package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// blockedHosts are names that resolve to infrastructure, never to a
// subscriber.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// CheckURL validates an outbound webhook URL without touching DNS: the
// scheme must be http(s), the host present and not a blocked name or a
// private, loopback, link-local or unspecified IP literal.
func CheckURL(raw string) error {
	_, err := parseOutbound(raw)
	return err
}

// ResolveAndCheck runs CheckURL and then resolves the host, rejecting it
// if any address is blocked. Run it right before each delivery so a
// subscriber cannot repoint DNS at an internal address after registering.
func ResolveAndCheck(ctx context.Context, raw string) error {
	u, err := parseOutbound(raw)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %s", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func parseOutbound(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return nil, fmt.Errorf("host %q is not allowed", host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return errors.New("loopback addresses are not allowed")
	case ip.IsPrivate():
		return errors.New("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return errors.New("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return errors.New("unspecified addresses are not allowed")
	}
	return nil
}
