package webhook

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/rendiffdev/conductor"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// cgnat is the shared address space of RFC 6598.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Validator checks webhook URLs before they are stored.
type Validator struct {
	// Resolver resolves hostnames. Nil uses net.DefaultResolver.
	Resolver Resolver
	// AllowPrivate disables the address checks. Only local test setups
	// should set it.
	AllowPrivate bool
}

// DefaultValidator resolves with net.DefaultResolver and blocks
// non-public addresses.
var DefaultValidator = &Validator{}

// ValidateURL validates raw with DefaultValidator.
func ValidateURL(ctx context.Context, raw string) error {
	return DefaultValidator.Validate(ctx, raw)
}

// Validate returns a *conductor.ValidationError for field webhook_url when
// raw is not an absolute http(s) URL or when its host is, or resolves to,
// a loopback, private, link-local, unspecified, multicast or CGNAT address.
func (v *Validator) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return conductor.NewValidationError("webhook_url", "malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return conductor.NewValidationError("webhook_url", "scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return conductor.NewValidationError("webhook_url", "missing host")
	}
	if u.User != nil {
		return conductor.NewValidationError("webhook_url", "credentials in URL are not allowed")
	}
	if v.AllowPrivate {
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return conductor.NewValidationError("webhook_url", "host %q is not public", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !Public(addr) {
			return conductor.NewValidationError("webhook_url", "address %s is not public", addr)
		}
		return nil
	}

	var r Resolver = net.DefaultResolver
	if v.Resolver != nil {
		r = v.Resolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return conductor.NewValidationError("webhook_url", "host %q does not resolve", host)
	}
	for _, a := range addrs {
		if !Public(a) {
			return conductor.NewValidationError("webhook_url", "host %q resolves to non-public address %s", host, a.Unmap())
		}
	}
	return nil
}

// Public reports whether addr is a globally routable unicast address.
func Public(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified():
		return false
	case addr.Is4() && cgnat.Contains(addr):
		return false
	}
	return true
}
