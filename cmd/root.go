package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
	"github.com/redentordev/acme-dns-hook/pkg/audit"
	"github.com/redentordev/acme-dns-hook/pkg/config"
	"github.com/redentordev/acme-dns-hook/pkg/dnscheck"
	"github.com/redentordev/acme-dns-hook/pkg/formatter"
	"github.com/redentordev/acme-dns-hook/pkg/hook"
	"github.com/redentordev/acme-dns-hook/pkg/ipam"
	"github.com/redentordev/acme-dns-hook/pkg/notification"
	"github.com/redentordev/acme-dns-hook/pkg/storage"
	"github.com/redentordev/acme-dns-hook/pkg/telemetry"
)

var (
	cfgFile string
	verbose bool
	noColor bool
	// Version and GitCommit are set via ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "acme-dns-hook",
	Short: "Certbot DNS-01 authentication hook backed by acme-dns",
	Long: `acme-dns-hook validates DNS-01 challenges through a shared acme-dns
instance. For each domain it registers (once) a delegated subdomain, stores
the credentials, and pushes the current challenge token into the delegated
TXT record. The operator publishes a single CNAME per domain and never has
to grant the issuance host write access to the main DNS zone.

Use it as certbot's manual auth hook:

  certbot certonly --manual --preferred-challenges dns \
      --manual-auth-hook "acme-dns-hook auth" -d example.org`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.SetVersionTemplate(fmt.Sprintf(`acme-dns-hook {{.Version}}
Commit: %s
`, GitCommit))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./acme-dns-hook.yaml or /etc/letsencrypt/acme-dns-hook.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initEnv loads a .env file if one exists next to the working directory and
// initializes tracing. Runs before any command.
func initEnv() {
	if envFile := findEnvFile(); envFile != "" {
		_ = godotenv.Load(envFile)
	}
	_ = telemetry.Init(telemetry.DefaultConfig(Version))
}

// findEnvFile searches for a .env file in the current directory and its
// parents.
func findEnvFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 10; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// runtime bundles everything a command needs after configuration loading.
type runtime struct {
	cfg    *config.Config
	store  *storage.Store
	client *acmedns.Client
	out    *formatter.Output
}

// newRuntime loads the configuration and constructs the shared pieces.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		store:  storage.New(cfg.AcmeDNS.Storage, cfg.AcmeDNS.GetLockTimeout()),
		client: acmedns.NewClient(cfg.AcmeDNS.URL, cfg.AcmeDNS.GetRequestTimeout()),
		out:    formatter.New(verbose, noColor),
	}, nil
}

// newAuthenticator wires the full hook pipeline from the runtime.
// forceRegister overrides the config flag when true; noWait drops the
// propagation checker even when nameservers are configured.
func (r *runtime) newAuthenticator(forceRegister, noWait bool) (*hook.Authenticator, error) {
	opts := hook.Options{
		Store:         r.store,
		API:           r.client,
		AllowFrom:     r.cfg.AcmeDNS.AllowFrom,
		ForceRegister: forceRegister || r.cfg.AcmeDNS.ForceRegister,
		Audit:         r.auditLogger(),
	}

	if r.cfg.OpenIPAM.Enabled() {
		opts.Publisher = ipam.NewClient(r.cfg.OpenIPAM.URL, r.cfg.OpenIPAM.GetToken(),
			r.cfg.AcmeDNS.GetRequestTimeout())
	}
	if r.cfg.DNS.WaitEnabled() && !noWait {
		opts.Checker = r.newChecker()
	}
	if n := r.cfg.Notifications; n != nil {
		notifier := notification.NewNotifier(notification.Config{
			Webhook:        n.Webhook,
			SlackWebhook:   n.SlackWebhook,
			DiscordWebhook: n.DiscordWebhook,
		})
		if notifier.Enabled() {
			opts.Notifier = notifier
		}
	}

	return hook.New(opts)
}

// newChecker builds the propagation checker from the dns config section.
func (r *runtime) newChecker() *dnscheck.Checker {
	checker := dnscheck.New(r.cfg.DNS.Nameservers)
	checker.PreWait = time.Duration(r.cfg.DNS.PropagationPreWait) * time.Second
	checker.Interval = time.Duration(r.cfg.DNS.PropagationWait) * time.Second
	checker.Timeout = time.Duration(r.cfg.DNS.PropagationTimeout) * time.Second
	checker.PostWait = time.Duration(r.cfg.DNS.PropagationPostWait) * time.Second
	return checker
}

// auditLogger builds the audit trail sink; disabled unless configured.
func (r *runtime) auditLogger() audit.Logger {
	if r.cfg.AuditLogDir == "" {
		return audit.NoOpLogger{}
	}
	logger, err := audit.NewFileLogger(r.cfg.AuditLogDir)
	if err != nil {
		r.out.Warning("audit log disabled: %v", err)
		return audit.NoOpLogger{}
	}
	return logger
}

// shutdownTelemetry flushes traces before process exit.
func shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = telemetry.Shutdown(ctx)
}
