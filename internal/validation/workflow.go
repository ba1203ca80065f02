package validation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of one workflow run for one domain. Valid and
// CleanedUp are independent: a domain can validate and still fail cleanup,
// or time out and be cleaned up fine.
type Result struct {
	DomainName string
	Valid      bool
	CleanedUp  bool
	Message    string
}

func newResult(name string) Result {
	return Result{DomainName: name, Message: "Success"}
}

// DefaultPollInterval is the wait between validation status checks. The
// overall poll budget is the caller-supplied timeout; attempts are
// timeout/interval.
const DefaultPollInterval = 30 * time.Second

// RecordProbe checks, from the local resolver's point of view, that a CNAME
// at host points to target. Used as a log-only propagation hint after record
// creation; a probe failure never fails the workflow.
type RecordProbe func(ctx context.Context, host, target string) error

// Workflow drives the per-domain validation state machine:
// method-change → submit → provision record → poll → cleanup. Strictly
// sequential per domain; CA and DNS call failures are never retried within a
// phase.
type Workflow struct {
	ca  CAClient
	dns DNSClient
	log *zap.Logger

	pollInterval time.Duration
	probe        RecordProbe

	// sleep is swapped out by tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithPollInterval overrides the wait between status checks.
func WithPollInterval(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRecordProbe enables a local DNS propagation check after record
// creation.
func WithRecordProbe(p RecordProbe) WorkflowOption {
	return func(w *Workflow) { w.probe = p }
}

// NewWorkflow builds a Workflow over already-authenticated CA and DNS
// handles.
func NewWorkflow(ca CAClient, dns DNSClient, log *zap.Logger, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		ca:           ca,
		dns:          dns,
		log:          log,
		pollInterval: DefaultPollInterval,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Validate runs the full state machine for one domain and always returns
// exactly one Result. timeout bounds only the polling phase; zero skips
// polling entirely and leaves verification to the operator. Failures before
// the DNS record exists return without touching DNS; once the record exists,
// deletion is attempted unconditionally.
func (w *Workflow) Validate(ctx context.Context, domain Domain, timeout time.Duration) Result {
	res := newResult(domain.Name)
	log := w.log.With(zap.String("domain", domain.Name))

	// MethodCheck: switch the domain to dns-cname-token if needed.
	if domain.DCVMethod != MethodDNSCNAMEToken {
		if _, err := w.ca.ChangeDCVMethod(ctx, domain.ID, MethodDNSCNAMEToken); err != nil {
			res.Message = fmt.Sprintf("changing DCV method for %s: %v", domain.Name, err)
			log.Error("dcv method change failed", zap.Error(err))
			return res
		}
		log.Info("dcv method changed", zap.String("method", MethodDNSCNAMEToken))
	}

	// TokenSubmit: each submission yields a fresh token/value pair.
	token, err := w.ca.SubmitForValidation(ctx, domain.ID)
	if err != nil {
		res.Message = fmt.Sprintf("submitting %s for validation: %v", domain.Name, err)
		log.Error("validation submission failed", zap.Error(err))
		return res
	}
	log.Info("submitted for validation")

	// RecordCreate: no record yet, so a failure here must not trigger cleanup.
	if err := w.dns.CreateCNAME(ctx, domain.Name, token.Value, token.VerificationValue); err != nil {
		res.Message = fmt.Sprintf("creating CNAME record %s.%s: %v", token.Value, domain.Name, err)
		log.Error("cname record creation failed", zap.Error(err))
		return res
	}
	log.Info("cname record created", zap.String("label", token.Value))

	if w.probe != nil {
		host := token.Value + "." + domain.Name
		if err := w.probe(ctx, host, token.VerificationValue); err != nil {
			log.Info("record not visible locally yet", zap.Error(err))
		} else {
			log.Info("record visible locally", zap.String("host", host))
		}
	}

	res.Valid, res.Message = w.poll(ctx, domain, timeout, log)

	// Cleanup is unconditional once the record exists.
	if err := w.dns.DeleteCNAME(ctx, domain.Name, token.Value); err != nil {
		res.Message = fmt.Sprintf("record %s.%s not cleaned up: %v", token.Value, domain.Name, err)
		log.Error("cname record cleanup failed", zap.Error(err))
		return res
	}
	res.CleanedUp = true
	log.Info("cname record cleaned up")

	return res
}

// poll waits pollInterval between status checks until the domain validates
// or the attempt budget (timeout/pollInterval, min 1) runs out. A failed
// status call counts as "not yet valid" and the loop continues.
func (w *Workflow) poll(ctx context.Context, domain Domain, timeout time.Duration, log *zap.Logger) (bool, string) {
	if timeout <= 0 {
		return false, fmt.Sprintf("timeout is 0: %s not checked, verify and clean up DNS manually", domain.Name)
	}

	maxAttempts := int(timeout / w.pollInterval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.sleep(ctx, w.pollInterval); err != nil {
			return false, fmt.Sprintf("polling interrupted for %s: %v", domain.Name, err)
		}

		vals, err := w.ca.ValidationStatus(ctx, domain.ID)
		if err != nil {
			log.Warn("validation status check failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if Validated(vals) {
			log.Info("domain validated", zap.Int("attempt", attempt))
			return true, "Success"
		}
		log.Info("not yet valid", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))
	}

	log.Warn("giving up after exhausting poll attempts", zap.Int("attempts", maxAttempts))
	return false, fmt.Sprintf("gave up on %s after %d attempts", domain.Name, maxAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
