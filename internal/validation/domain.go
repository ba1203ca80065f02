// Package validation implements the DCV renewal core: expiration selection,
// the per-domain validate-provision-poll-cleanup workflow, and the scheduler
// that fans the workflow out across many domains under a rate gate.
package validation

import (
	"context"
	"time"
)

// MethodDNSCNAMEToken is the DCV method this tool drives. Domains on any
// other method are switched over before submission.
const MethodDNSCNAMEToken = "dns-cname-token"

// Domain is a read-only snapshot of a CA-managed domain. It is fetched at
// workflow start and never mutated locally; all state changes happen on the
// CA side and are observed by re-fetching.
type Domain struct {
	ID        string
	Name      string // FQDN
	DCVMethod string
	// Expiration is nil for domains that have never been validated.
	Expiration *Expiration
}

// Expiration is the pair of DCV expiry dates for the OV and EV tracks.
type Expiration struct {
	OV time.Time
	EV time.Time
}

// Min returns the earlier of the OV and EV expiry dates.
func (e *Expiration) Min() time.Time {
	if e.EV.Before(e.OV) {
		return e.EV
	}
	return e.OV
}

// Token is the short-lived artifact issued by the CA for one validation
// attempt. Value becomes the DNS record label, VerificationValue the record
// target. A fresh pair is issued per submission and never reused.
type Token struct {
	Value             string
	VerificationValue string
}

// Validation is one entry of a domain's validation status list.
type Validation struct {
	Type      string // "ov" or "ev"
	Status    string
	DCVStatus string
}

// Validated reports whether the status list proves the domain fully
// validated: both the OV and EV entries must be present with status "active"
// and dcv_status "complete". Anything else means not yet valid.
func Validated(vals []Validation) bool {
	var ovOK, evOK bool
	for _, v := range vals {
		done := v.Status == "active" && v.DCVStatus == "complete"
		switch v.Type {
		case "ov":
			ovOK = done
		case "ev":
			evOK = done
		}
	}
	return ovOK && evOK
}

// DomainFilter narrows a domain listing. Name wins over Limit when both are
// set, mirroring the CA API's filter precedence.
type DomainFilter struct {
	Name  string
	Limit int
}

// DomainDetail is a Domain plus its current validation status list.
type DomainDetail struct {
	Domain
	Validations []Validation
}

// CAClient is the certificate-authority capability the core consumes. The
// concrete implementation lives in internal/digicert.
type CAClient interface {
	ListDomains(ctx context.Context, filter DomainFilter) ([]Domain, error)
	DomainDetail(ctx context.Context, id string) (*DomainDetail, error)
	ChangeDCVMethod(ctx context.Context, id, method string) (*Token, error)
	SubmitForValidation(ctx context.Context, id string) (*Token, error)
	ValidationStatus(ctx context.Context, id string) ([]Validation, error)
}

// DNSClient is the DNS-provider capability the core consumes. The concrete
// implementation lives in internal/ultradns. Login must be idempotent; the
// scheduler calls it once per run before any dispatch.
type DNSClient interface {
	Login(ctx context.Context) error
	// Zone returns nil when the zone exists at the provider.
	Zone(ctx context.Context, name string) error
	CreateCNAME(ctx context.Context, zone, label, target string) error
	DeleteCNAME(ctx context.Context, zone, label string) error
}
