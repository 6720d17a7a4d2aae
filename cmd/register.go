package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
)

var registerForce bool

var registerCmd = &cobra.Command{
	Use:   "register <domain>...",
	Short: "Pre-register domains with acme-dns",
	Long: `Register one or more domains with the acme-dns instance without pushing
a challenge token. Useful for setting up CNAME records ahead of the first
certbot run. Domains that already have a stored account are skipped unless
--force-register is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().BoolVar(&registerForce, "force-register", false, "replace stored accounts with fresh registrations")
}

func runRegister(cmd *cobra.Command, args []string) error {
	defer shutdownTelemetry()

	rt, err := newRuntime()
	if err != nil {
		return err
	}

	var (
		mu         sync.Mutex
		registered = make(map[string]*acmedns.Account)
	)

	// Registrations for different domains are independent; the store's own
	// lock serializes the persistence of each one.
	group, ctx := errgroup.WithContext(cmd.Context())
	group.SetLimit(4)

	for _, arg := range args {
		domain := acmedns.NormalizeDomain(arg)
		group.Go(func() error {
			release, err := rt.store.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := rt.store.Load(); err != nil {
				return err
			}
			if existing := rt.store.Fetch(domain); existing != nil && !registerForce && !rt.cfg.AcmeDNS.ForceRegister {
				rt.out.Info("%s already registered (delegated to %s)", domain, existing.FullDomain)
				return nil
			}

			account, err := rt.client.Register(ctx, rt.cfg.AcmeDNS.AllowFrom)
			if err != nil {
				return fmt.Errorf("%s: %w", domain, err)
			}
			if err := rt.store.Put(domain, account); err != nil {
				return fmt.Errorf("%s: %w", domain, err)
			}

			mu.Lock()
			registered[domain] = account
			mu.Unlock()

			rt.out.Success("registered %s, delegated to %s", domain, account.FullDomain)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	rt.out.CNAMEInstructions(registered)
	return nil
}
