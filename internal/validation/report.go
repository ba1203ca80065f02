package validation

import (
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/zap"
)

// Reporter renders human-readable outcomes and mirrors every per-domain
// result into the activity log.
type Reporter struct {
	out io.Writer
	log *zap.Logger
}

// NewReporter builds a Reporter writing to out and log.
func NewReporter(out io.Writer, log *zap.Logger) *Reporter {
	return &Reporter{out: out, log: log}
}

// PrintExpiring lists domains with their nearest DCV expiry date in aligned
// columns. Never-validated domains are marked as such.
func (r *Reporter) PrintExpiring(domains []Domain) {
	if len(domains) == 0 {
		fmt.Fprintln(r.out, "None!")
		return
	}

	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, d := range domains {
		expiry := "never validated"
		if d.Expiration != nil {
			expiry = d.Expiration.Min().Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\tExpiration: %s\n", d.Name, expiry)
	}
	w.Flush()
}

// PrintResults prints the final summary, one line per domain, and logs each
// outcome. Every result is included, success or failure.
func (r *Reporter) PrintResults(results []Result) {
	fmt.Fprintln(r.out, "\nDomain Validation complete:")
	fmt.Fprintln(r.out, "---------------------------")

	for _, res := range results {
		valid := "NOT VALIDATED"
		if res.Valid {
			valid = "validated"
		}
		cleanup := "NOT BEEN CLEANED UP"
		if res.CleanedUp {
			cleanup = "been cleaned up"
		}

		fmt.Fprintf(r.out, "Domain %s is %s and the cname has %s, with message: %s\n",
			res.DomainName, valid, cleanup, res.Message)
		r.log.Info("domain validation outcome",
			zap.String("domain", res.DomainName),
			zap.Bool("valid", res.Valid),
			zap.Bool("cleaned_up", res.CleanedUp),
			zap.String("message", res.Message))
	}
}
