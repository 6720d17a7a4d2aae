package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
)

var (
	authDomain string
	authToken  string
	authForce  bool
	authNoWait bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run the certbot authentication hook",
	Long: `Run one DNS-01 authentication: look up or register the acme-dns account
for the domain under validation and push the challenge token into its TXT
record.

The domain and token are read from the CERTBOT_DOMAIN and
CERTBOT_VALIDATION environment variables certbot sets for its
--manual-auth-hook; --domain and --token override them for manual runs.
Exits non-zero on any failure.`,
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)

	authCmd.Flags().StringVar(&authDomain, "domain", "", "domain under validation (default: $CERTBOT_DOMAIN)")
	authCmd.Flags().StringVar(&authToken, "token", "", "challenge token to publish (default: $CERTBOT_VALIDATION)")
	authCmd.Flags().BoolVar(&authForce, "force-register", false, "discard any stored account and register a new one")
	authCmd.Flags().BoolVar(&authNoWait, "no-wait", false, "skip the DNS propagation wait")
}

func runAuth(cmd *cobra.Command, args []string) error {
	defer shutdownTelemetry()

	domain := authDomain
	if domain == "" {
		domain = os.Getenv("CERTBOT_DOMAIN")
	}
	token := authToken
	if token == "" {
		token = os.Getenv("CERTBOT_VALIDATION")
	}
	if domain == "" || token == "" {
		return fmt.Errorf("domain and token are required (set CERTBOT_DOMAIN and CERTBOT_VALIDATION or pass --domain/--token)")
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}

	authenticator, err := rt.newAuthenticator(authForce, authNoWait)
	if err != nil {
		return err
	}

	result, err := authenticator.Present(cmd.Context(), domain, token)
	if result != nil && result.Registered && !result.CNAMEPublished {
		// First registration without automatic publication: the operator
		// has to act before validation can pass.
		rt.out.CNAMEInstructions(map[string]*acmedns.Account{
			result.Domain: result.Account,
		})
	}
	if err != nil {
		return err
	}

	if result.Registered {
		rt.out.Success("registered %s, delegated to %s", result.Domain, result.Account.FullDomain)
		if result.CNAMEPublished {
			rt.out.Success("published %s CNAME %s", acmedns.ChallengeDomain(result.Domain), result.Account.FullDomain)
		}
	} else {
		rt.out.Verbose("reusing stored account %s for %s", result.Account.FullDomain, result.Domain)
	}
	rt.out.Success("TXT record for %s updated", acmedns.ChallengeDomain(result.Domain))

	return nil
}
