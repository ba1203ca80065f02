package validation

import "time"

// SelectExpiring returns the domains whose DCV expires before
// now+horizonDays. Domains that have never been validated (no expiration
// pair) are always included so they surface for operator attention. The
// horizon may be zero or negative, meaning "expiring immediately".
//
// Pure: no I/O, input order preserved.
func SelectExpiring(domains []Domain, horizonDays int, now time.Time) []Domain {
	cutoff := now.AddDate(0, 0, horizonDays)

	var expiring []Domain
	for _, d := range domains {
		if d.Expiration == nil || d.Expiration.Min().Before(cutoff) {
			expiring = append(expiring, d)
		}
	}
	return expiring
}
