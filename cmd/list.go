package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored acme-dns registrations",
	Long: `List the domains with stored acme-dns accounts and the CNAME target each
one delegates to. Secrets are never printed; use the store file directly if
you need them.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format: table, json, or yaml")
}

// listEntry is the non-secret view of a stored account.
type listEntry struct {
	Domain     string `json:"domain" yaml:"domain"`
	FullDomain string `json:"fulldomain" yaml:"fulldomain"`
	Subdomain  string `json:"subdomain" yaml:"subdomain"`
	CNAME      string `json:"cname" yaml:"cname"`
}

func runList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	if err := rt.store.Load(); err != nil {
		return err
	}

	entries := make([]listEntry, 0)
	for _, domain := range rt.store.Domains() {
		account := rt.store.Fetch(domain)
		entries = append(entries, listEntry{
			Domain:     domain,
			FullDomain: account.FullDomain,
			Subdomain:  account.Subdomain,
			CNAME:      fmt.Sprintf("%s CNAME %s.", acmedns.ChallengeDomain(domain), account.FullDomain),
		})
	}

	switch listOutput {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		defer encoder.Close()
		return encoder.Encode(entries)
	case "table":
		if len(entries) == 0 {
			fmt.Println("No registrations stored.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tDELEGATED TO\tSUBDOMAIN")
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Domain, entry.FullDomain, entry.Subdomain)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want table, json, or yaml)", listOutput)
	}
}
