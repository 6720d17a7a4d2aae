// Package dnscheck polls authoritative or recursive nameservers until a
// challenge TXT record is visible. It exists because certbot's verifier
// queries public DNS: reporting success before the record propagates just
// moves the failure somewhere harder to attribute.
package dnscheck

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/redentordev/acme-dns-hook/pkg/resilience"
)

// Checker queries a fixed set of nameservers for challenge records.
type Checker struct {
	nameservers []string
	client      *dns.Client

	// PreWait runs once before polling starts, PostWait once after the
	// record is seen; both give slow secondaries a chance to catch up.
	PreWait  time.Duration
	Interval time.Duration
	Timeout  time.Duration
	PostWait time.Duration
}

// New creates a checker against the given nameservers. Entries without an
// explicit port get :53.
func New(nameservers []string) *Checker {
	normalized := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		normalized = append(normalized, withDefaultPort(ns))
	}
	return &Checker{
		nameservers: normalized,
		client:      &dns.Client{Timeout: 5 * time.Second},
		PreWait:     30 * time.Second,
		Interval:    10 * time.Second,
		Timeout:     300 * time.Second,
		PostWait:    10 * time.Second,
	}
}

// withDefaultPort appends :53 unless the address already carries a port.
func withDefaultPort(ns string) string {
	if _, _, err := net.SplitHostPort(ns); err == nil {
		return ns
	}
	// Bare IPv6 addresses need brackets once a port is added.
	if strings.Count(ns, ":") > 1 && !strings.HasPrefix(ns, "[") {
		return "[" + ns + "]:53"
	}
	return ns + ":53"
}

// LookupTXT returns the TXT values for fqdn from the first nameserver that
// answers.
func (c *Checker) LookupTXT(fqdn string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)

	var lastErr error
	for _, ns := range c.nameservers {
		in, _, err := c.client.Exchange(msg, ns)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode == dns.RcodeNameError {
			return nil, nil
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("nameserver %s answered %s", ns, dns.RcodeToString[in.Rcode])
			continue
		}

		var values []string
		for _, rr := range in.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				values = append(values, strings.Join(txt.Txt, ""))
			}
		}
		return values, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, fmt.Errorf("TXT lookup for %s failed: %w", fqdn, lastErr)
}

// LookupCNAME returns the CNAME target of fqdn, or "" if none exists.
func (c *Checker) LookupCNAME(fqdn string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeCNAME)

	var lastErr error
	for _, ns := range c.nameservers {
		in, _, err := c.client.Exchange(msg, ns)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode == dns.RcodeNameError {
			return "", nil
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("nameserver %s answered %s", ns, dns.RcodeToString[in.Rcode])
			continue
		}

		for _, rr := range in.Answer {
			if cname, ok := rr.(*dns.CNAME); ok {
				return strings.TrimSuffix(cname.Target, "."), nil
			}
		}
		return "", nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return "", fmt.Errorf("CNAME lookup for %s failed: %w", fqdn, lastErr)
}

// WaitForTXT blocks until fqdn serves a TXT record equal to want, the
// timeout elapses, or ctx is cancelled.
func (c *Checker) WaitForTXT(ctx context.Context, fqdn, want string) error {
	if c.PreWait > 0 {
		if err := sleep(ctx, c.PreWait); err != nil {
			return err
		}
	}

	err := resilience.Poll(ctx, c.Interval, c.Timeout, func() error {
		values, err := c.LookupTXT(fqdn)
		if err != nil {
			return err
		}
		for _, value := range values {
			if value == want {
				return nil
			}
		}
		return resilience.ErrNotReady
	})
	if err != nil {
		return fmt.Errorf("waiting for %s TXT propagation: %w", fqdn, err)
	}

	if c.PostWait > 0 {
		if err := sleep(ctx, c.PostWait); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
