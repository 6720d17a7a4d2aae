package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
)

var checkCmd = &cobra.Command{
	Use:   "check <domain>",
	Short: "Verify a domain's challenge CNAME and TXT visibility",
	Long: `Check that _acme-challenge.<domain> resolves as a CNAME to the stored
delegated subdomain, and show the TXT values currently visible through the
configured nameservers. Requires dns.nameservers in the configuration.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	if !rt.cfg.DNS.WaitEnabled() {
		return fmt.Errorf("check requires dns.nameservers in the configuration")
	}
	if err := rt.store.Load(); err != nil {
		return err
	}

	domain := acmedns.NormalizeDomain(args[0])
	account := rt.store.Fetch(domain)
	if account == nil {
		return fmt.Errorf("no stored registration for %s (run register first)", domain)
	}

	challenge := acmedns.ChallengeDomain(domain)
	checker := rt.newChecker()

	target, err := checker.LookupCNAME(challenge)
	if err != nil {
		return err
	}
	switch {
	case target == "":
		rt.out.Error("%s has no CNAME record", challenge)
		rt.out.CNAMEInstructions(map[string]*acmedns.Account{domain: account})
		return fmt.Errorf("challenge CNAME for %s is missing", domain)
	case !strings.EqualFold(target, account.FullDomain):
		rt.out.Error("%s points at %s, expected %s", challenge, target, account.FullDomain)
		return fmt.Errorf("challenge CNAME for %s targets the wrong subdomain", domain)
	default:
		rt.out.Success("%s CNAME %s", challenge, target)
	}

	values, err := checker.LookupTXT(challenge)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		rt.out.Warning("no TXT values visible yet for %s", challenge)
	}
	for _, value := range values {
		rt.out.Info("TXT %q", value)
	}

	return nil
}
