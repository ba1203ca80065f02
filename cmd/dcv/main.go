// Command dcv automates Domain Control Validation renewal: it finds domains
// whose DigiCert DCV is expiring soon, switches them to dns-cname-token,
// provisions the proving CNAME record in UltraDNS, polls DigiCert until the
// domain validates, and cleans the record up again.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certops/dcv/internal/digicert"
	"github.com/certops/dcv/internal/dnsprobe"
	"github.com/certops/dcv/internal/ultradns"
	"github.com/certops/dcv/internal/validation"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	logPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, validation.ErrAborted) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dcv",
	Short:         "DigiCert/UltraDNS Domain Control Validation renewal",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `dcv drives DCV renewal for DigiCert-managed domains.

It finds domains whose validation expires soon, submits them for OV+EV
validation via dns-cname-token, provisions the proving CNAME record in
UltraDNS, polls until DigiCert confirms, and removes the record again.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.dcv")
			viper.AddConfigPath(".")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		viper.SetDefault("poll_interval_seconds", 30)

		_ = viper.BindEnv("digicert.api_key", "DIGICERT_API_KEY")
		_ = viper.BindEnv("ultradns.username", "ULTRADNS_USERNAME")
		_ = viper.BindEnv("ultradns.password", "ULTRADNS_PASSWORD")

		_ = viper.ReadInConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.dcv/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "dcv.log", "activity log file")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// buildLogger tees zap output to the append-only activity log file and, for
// warnings and up, to stderr. The returned closer flushes the file sink.
func buildLogger(path string) (*zap.Logger, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open activity log %s: %w", path, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.AddSync(f), zapcore.InfoLevel),
		zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapcore.WarnLevel),
	)
	logger := zap.New(core)
	closer := func() {
		_ = logger.Sync()
		_ = f.Close()
	}
	return logger, closer, nil
}

// credential resolves a value from flag > config/env > interactive prompt.
func credential(flagValue, viperKey, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := viper.GetString(viperKey); v != "" {
		return v, nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read %s: %w", prompt, err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%s is required", prompt)
	}
	return line, nil
}

func newCAClient(key string) *digicert.Client {
	return digicert.New(key)
}

func pollInterval() time.Duration {
	return time.Duration(viper.GetInt("poll_interval_seconds")) * time.Second
}

// newScheduler wires the shared sessions, workflow and scheduler for one run.
func newScheduler(ca validation.CAClient, dns validation.DNSClient, logger *zap.Logger) *validation.Scheduler {
	wf := validation.NewWorkflow(ca, dns, logger,
		validation.WithPollInterval(pollInterval()),
		validation.WithRecordProbe(dnsprobe.New().VerifyCNAME),
	)
	return validation.NewScheduler(ca, dns, wf, logger)
}

// ── check ────────────────────────────────────────────────────────────────────

var (
	checkKey    string
	checkDays   int
	checkDomain string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check domains for expiring 'soon' validations",
	Long: `check lists every domain whose DCV expires within --days, or, with
--domain, reports the DCV status and expiration of a single domain.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkKey, "key", "", "DigiCert API key (env DIGICERT_API_KEY)")
	checkCmd.Flags().IntVar(&checkDays, "days", 90, "Days until considered 'expiring soon'")
	checkCmd.Flags().StringVarP(&checkDomain, "domain", "d", "", "Check only this domain (FQDN)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	key, err := credential(checkKey, "digicert.api_key", "DigiCert API key")
	if err != nil {
		return err
	}
	ca := newCAClient(key)

	logger, closeLog, err := buildLogger(logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	if checkDomain != "" {
		return checkSingle(ctx, ca, checkDomain)
	}

	fmt.Printf("Checking for domains expiring within %d days..\n\n", checkDays)
	domains, err := ca.ListDomains(ctx, validation.DomainFilter{})
	if err != nil {
		return err
	}

	expiring := validation.SelectExpiring(domains, checkDays, time.Now())
	fmt.Println("Domains expiring soon:")
	validation.NewReporter(os.Stdout, logger).PrintExpiring(expiring)
	return nil
}

// checkSingle reports DCV status and OV expiration for one domain.
func checkSingle(ctx context.Context, ca validation.CAClient, name string) error {
	domains, err := ca.ListDomains(ctx, validation.DomainFilter{Name: name})
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return fmt.Errorf("%w: %s", validation.ErrDomainNotFound, name)
	}

	detail, err := ca.DomainDetail(ctx, domains[0].ID)
	if err != nil {
		return fmt.Errorf("domain detail for %s: %w", name, err)
	}
	if detail.Expiration == nil {
		fmt.Printf("Domain %s has no expiration; it has likely never been validated.\n", name)
		return nil
	}

	statuses := make([]string, 0, len(detail.Validations))
	for _, v := range detail.Validations {
		statuses = append(statuses, v.Status)
	}
	fmt.Printf("Domain %s DCV status: %s, Expiration: %s\n",
		name, strings.Join(statuses, "/"), detail.Expiration.OV.Format("2006-01-02"))
	return nil
}

// ── validate ─────────────────────────────────────────────────────────────────

var (
	validateKey      string
	validateUsername string
	validatePassword string
	validateDomain   string
	validateTimeout  int
	validateYes      bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a single domain manually, regardless of expiration",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateKey, "key", "", "DigiCert API key (env DIGICERT_API_KEY)")
	validateCmd.Flags().StringVar(&validateUsername, "username", "", "UltraDNS username (env ULTRADNS_USERNAME)")
	validateCmd.Flags().StringVar(&validatePassword, "password", "", "UltraDNS password (env ULTRADNS_PASSWORD)")
	validateCmd.Flags().StringVarP(&validateDomain, "domain", "d", "", "Domain (FQDN) to validate")
	validateCmd.Flags().IntVar(&validateTimeout, "timeout", 240, "Polling budget in seconds; 0 skips status checks")
	validateCmd.Flags().BoolVarP(&validateYes, "yes", "y", false, "Skip the confirmation prompt")
	_ = validateCmd.MarkFlagRequired("domain")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ca, dns, err := buildClients(validateKey, validateUsername, validatePassword)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	fmt.Printf("Validating domain %s manually..\n", validateDomain)
	sched := newScheduler(ca, dns, logger)
	_, err = sched.RunSingle(ctx, validateDomain, time.Duration(validateTimeout)*time.Second, validateYes)
	return err
}

// ── run ──────────────────────────────────────────────────────────────────────

var (
	runKey      string
	runUsername string
	runPassword string
	runDays     int
	runTimeout  int
	runFile     string
	runYes      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Find all expiring domains and validate them",
	Long: `run validates every domain whose DCV expires within --days, or, with
--file, only the listed domains (one FQDN per line) that are expiring.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runKey, "key", "", "DigiCert API key (env DIGICERT_API_KEY)")
	runCmd.Flags().StringVar(&runUsername, "username", "", "UltraDNS username (env ULTRADNS_USERNAME)")
	runCmd.Flags().StringVar(&runPassword, "password", "", "UltraDNS password (env ULTRADNS_PASSWORD)")
	runCmd.Flags().IntVar(&runDays, "days", 90, "Days until considered 'expiring soon'")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 240, "Polling budget in seconds per domain; 0 skips status checks")
	runCmd.Flags().StringVar(&runFile, "file", "", "File of domain names to validate, one FQDN per line")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Skip the confirmation prompt")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ca, dns, err := buildClients(runKey, runUsername, runPassword)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	sched := newScheduler(ca, dns, logger)
	_, err = sched.RunAll(ctx, validation.RunOptions{
		File:        runFile,
		HorizonDays: runDays,
		Timeout:     time.Duration(runTimeout) * time.Second,
		AssumeYes:   runYes,
	})
	return err
}

// buildClients resolves credentials and constructs both API sessions.
func buildClients(key, username, password string) (*digicert.Client, *ultradns.Client, error) {
	key, err := credential(key, "digicert.api_key", "DigiCert API key")
	if err != nil {
		return nil, nil, err
	}
	username, err = credential(username, "ultradns.username", "UltraDNS username")
	if err != nil {
		return nil, nil, err
	}
	password, err = credential(password, "ultradns.password", "UltraDNS password")
	if err != nil {
		return nil, nil, err
	}
	return newCAClient(key), ultradns.New(username, password), nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dcv version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dcv", version)
	},
}
