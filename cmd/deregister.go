package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
	"github.com/redentordev/acme-dns-hook/pkg/audit"
)

var deregisterYes bool

var deregisterCmd = &cobra.Command{
	Use:   "deregister <domain>",
	Short: "Remove a stored acme-dns registration",
	Long: `Remove the stored account for a domain. This is a deliberate operator
action: the delegated subdomain keeps existing on the acme-dns side, but the
published CNAME becomes useless and the next validation run will register a
fresh account.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeregister,
}

func init() {
	rootCmd.AddCommand(deregisterCmd)

	deregisterCmd.Flags().BoolVarP(&deregisterYes, "yes", "y", false, "skip the confirmation prompt")
}

func runDeregister(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}

	domain := acmedns.NormalizeDomain(args[0])

	release, err := rt.store.Acquire(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	if err := rt.store.Load(); err != nil {
		return err
	}
	account := rt.store.Fetch(domain)
	if account == nil {
		return fmt.Errorf("no stored registration for %s", domain)
	}

	if !deregisterYes {
		fmt.Fprintf(os.Stderr, "Remove registration for %s (delegated to %s)? [y/N] ", domain, account.FullDomain)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			rt.out.Info("aborted")
			return nil
		}
	}

	if _, err := rt.store.Delete(domain); err != nil {
		return err
	}

	_ = rt.auditLogger().Log(&audit.Activity{
		Type:       audit.ActivityRemoved,
		Domain:     domain,
		FullDomain: account.FullDomain,
	})

	rt.out.Success("removed registration for %s", domain)
	rt.out.Warning("the %s CNAME record now points at an unused subdomain and can be deleted", acmedns.ChallengeDomain(domain))
	return nil
}
