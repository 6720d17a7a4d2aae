package acmedns

import "strings"

// Account holds the credentials acme-dns issues for one delegated subdomain.
// The fields mirror the /register response body and are immutable after
// registration.
type Account struct {
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	FullDomain string   `json:"fulldomain"`
	Subdomain  string   `json:"subdomain"`
	AllowFrom  []string `json:"allowfrom,omitempty"`
}

// NormalizeDomain returns the base domain used as the storage key.
// A wildcard name shares its validation record with the base domain,
// so "*.example.org" and "example.org" map to the same account.
func NormalizeDomain(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

// ChallengeDomain returns the name certbot's verification will query,
// i.e. the left-hand side of the operator's CNAME record.
func ChallengeDomain(domain string) string {
	return "_acme-challenge." + NormalizeDomain(domain)
}
