package validation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrAborted is returned when the operator declines the pre-dispatch
// confirmation prompt. No workflow has run and no remote state was touched.
var ErrAborted = errors.New("validation run aborted")

// ErrDomainNotFound is returned when a requested domain does not exist at
// the CA.
var ErrDomainNotFound = errors.New("domain not found")

const (
	// gateThreshold is the domain count at which the rate gate engages. The
	// CA enforces roughly 100 requests per 5 seconds; each workflow issues
	// 4-6 requests outside polling, so 20 concurrent workflows keep the
	// steady-state rate under the ceiling. Below the threshold even full
	// fan-out stays under it.
	gateThreshold = 40
	maxInFlight   = 20
)

// RunOptions selects the domain set and tunes one scheduler invocation.
// Exactly one domain source is used per run, in precedence order:
// Domains > File > expiration query over HorizonDays.
type RunOptions struct {
	Domains     []Domain // explicit set, bypasses selection
	File        string   // file of FQDNs, one per line
	HorizonDays int
	Timeout     time.Duration // polling budget per domain; zero skips polling
	AssumeYes   bool          // skip the confirmation prompt
}

// Scheduler fans the validation workflow out over many domains. All
// workflows of one run share one authenticated CA session and one DNS
// session; the weighted semaphore is the only synchronized shared state.
type Scheduler struct {
	ca       CAClient
	dns      DNSClient
	workflow *Workflow
	reporter *Reporter
	log      *zap.Logger

	in  io.Reader
	out io.Writer
	now func() time.Time

	// validate is swapped out by tests to observe dispatch behavior.
	validate func(ctx context.Context, d Domain, timeout time.Duration) Result
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPrompt redirects the confirmation prompt, normally stdin/stdout.
func WithPrompt(in io.Reader, out io.Writer) SchedulerOption {
	return func(s *Scheduler) {
		s.in = in
		s.out = out
	}
}

// WithClock overrides the time source used for expiration selection.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a Scheduler around a workflow and the shared client
// sessions.
func NewScheduler(ca CAClient, dns DNSClient, wf *Workflow, log *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ca:       ca,
		dns:      dns,
		workflow: wf,
		log:      log,
		in:       os.Stdin,
		out:      os.Stdout,
		now:      time.Now,
		validate: wf.Validate,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reporter = NewReporter(s.out, log)
	return s
}

// RunAll resolves the domain set, asks the operator to confirm, then runs
// the workflow for every domain concurrently under the rate gate and
// reports the aggregated results. Per-domain failures never abort sibling
// workflows; only DNS login failure or a declined prompt abort the run.
func (s *Scheduler) RunAll(ctx context.Context, opts RunOptions) ([]Result, error) {
	log := s.log.With(zap.String("run_id", uuid.NewString()))
	log.Info("beginning validation run")

	// No path to validate without DNS access: fail before any dispatch.
	if err := s.dns.Login(ctx); err != nil {
		return nil, fmt.Errorf("dns provider login: %w", err)
	}

	domains, err := s.resolveDomains(ctx, opts, log)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		fmt.Fprintln(s.out, "No expiring domains found.")
		log.Info("no expiring domains found")
		return nil, nil
	}

	fmt.Fprintln(s.out, "\nDomains to be validated:")
	s.reporter.PrintExpiring(domains)

	if !opts.AssumeYes && !s.confirm() {
		log.Info("run aborted at confirmation prompt")
		return nil, ErrAborted
	}

	fmt.Fprintln(s.out, "\nValidating..")

	var gate *semaphore.Weighted
	if len(domains) >= gateThreshold {
		gate = semaphore.NewWeighted(maxInFlight)
		log.Info("rate gate engaged",
			zap.Int("domains", len(domains)), zap.Int("max_in_flight", maxInFlight))
	}

	resultCh := make(chan Result, len(domains))
	var wg sync.WaitGroup
	for _, d := range domains {
		wg.Add(1)
		go func(d Domain) {
			defer wg.Done()
			if gate != nil {
				if err := gate.Acquire(ctx, 1); err != nil {
					resultCh <- Result{
						DomainName: d.Name,
						Message:    fmt.Sprintf("never dispatched: %v", err),
					}
					return
				}
				defer gate.Release(1)
			}
			resultCh <- s.validate(ctx, d, opts.Timeout)
		}(d)
	}
	wg.Wait()
	close(resultCh)

	results := make([]Result, 0, len(domains))
	for r := range resultCh {
		results = append(results, r)
	}

	s.reporter.PrintResults(results)
	log.Info("validation run complete", zap.Int("domains", len(results)))
	return results, nil
}

// RunSingle validates one domain by name regardless of its expiration,
// after verifying that the domain exists at the CA and its zone exists at
// the DNS provider.
func (s *Scheduler) RunSingle(ctx context.Context, name string, timeout time.Duration, assumeYes bool) ([]Result, error) {
	if err := s.dns.Login(ctx); err != nil {
		return nil, fmt.Errorf("dns provider login: %w", err)
	}

	domains, err := s.ca.ListDomains(ctx, DomainFilter{Name: name})
	if err != nil {
		return nil, fmt.Errorf("look up domain %s: %w", name, err)
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, name)
	}

	if err := s.dns.Zone(ctx, domains[0].Name); err != nil {
		return nil, fmt.Errorf("dns zone %s: %w", domains[0].Name, err)
	}

	return s.RunAll(ctx, RunOptions{
		Domains:   domains[:1],
		Timeout:   timeout,
		AssumeYes: assumeYes,
	})
}

// resolveDomains picks the domain set for this run from exactly one source.
func (s *Scheduler) resolveDomains(ctx context.Context, opts RunOptions, log *zap.Logger) ([]Domain, error) {
	if len(opts.Domains) > 0 {
		return opts.Domains, nil
	}

	all, err := s.ca.ListDomains(ctx, DomainFilter{})
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	if opts.File != "" {
		matched, err := s.matchFile(opts.File, all, log)
		if err != nil {
			return nil, err
		}
		return SelectExpiring(matched, opts.HorizonDays, s.now()), nil
	}

	return SelectExpiring(all, opts.HorizonDays, s.now()), nil
}

// matchFile reads one FQDN per line and matches each against the CA's
// domain list. Unmatched names are warned about, not fatal.
func (s *Scheduler) matchFile(path string, all []Domain, log *zap.Logger) ([]Domain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open domain file: %w", err)
	}
	defer f.Close()

	wanted := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			wanted[name] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read domain file: %w", err)
	}

	var matched []Domain
	for _, d := range all {
		if wanted[d.Name] {
			matched = append(matched, d)
			delete(wanted, d.Name)
		}
	}
	for name := range wanted {
		fmt.Fprintf(s.out, "Warning: domain %s not found! Check spelling.\n", name)
		log.Warn("domain from file not found at CA", zap.String("domain", name))
	}
	return matched, nil
}

// confirm asks the operator to approve the candidate set. Anything but
// yes is an abort.
func (s *Scheduler) confirm() bool {
	fmt.Fprint(s.out, "\nThe above domains will be validated, continue? [y/n] ")
	answer, _ := bufio.NewReader(s.in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		fmt.Fprintln(s.out, "Aborting validation steps.")
		return false
	}
}
