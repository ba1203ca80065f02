// Package dnsprobe checks DCV CNAME records from the local resolver's point
// of view, as a propagation hint before polling the CA.
package dnsprobe

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Probe resolves CNAME records. The zero value uses the default resolver.
type Probe struct {
	Resolver *net.Resolver
}

// New returns a Probe using the system resolver.
func New() *Probe {
	return &Probe{Resolver: &net.Resolver{}}
}

// VerifyCNAME checks that a CNAME record at host points to target. Trailing
// dots are ignored on both sides.
func (p *Probe) VerifyCNAME(ctx context.Context, host, target string) error {
	resolver := p.Resolver
	if resolver == nil {
		resolver = &net.Resolver{}
	}

	cname, err := resolver.LookupCNAME(ctx, host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}

	if !Equal(cname, target) {
		return fmt.Errorf("CNAME at %s points to %q; expected %q", host, cname, target)
	}
	return nil
}

// Equal compares two DNS names ignoring trailing dots and case.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
