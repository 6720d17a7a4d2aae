// Package hook implements the per-domain authentication flow certbot
// invokes during DNS-01 validation: look up (or register) the domain's
// acme-dns account, then push the challenge token into its TXT record.
//
// The flow is a small state machine: LOOKUP → REGISTER (only when no
// account exists or re-registration is forced) → UPDATE. The store lock is
// held for the lookup+register+persist sequence and released before the
// network-bound update, so renewals of already-registered domains never
// serialize against each other.
package hook

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
	"github.com/redentordev/acme-dns-hook/pkg/audit"
	"github.com/redentordev/acme-dns-hook/pkg/notification"
	"github.com/redentordev/acme-dns-hook/pkg/telemetry"
)

// CredentialStore is the persistence surface the authenticator needs.
// *storage.Store implements it.
type CredentialStore interface {
	Acquire(ctx context.Context) (release func(), err error)
	Load() error
	Fetch(domain string) *acmedns.Account
	Put(domain string, account *acmedns.Account) error
}

// API is the acme-dns surface the authenticator needs. *acmedns.Client
// implements it.
type API interface {
	Register(ctx context.Context, allowFrom []string) (*acmedns.Account, error)
	Update(ctx context.Context, account *acmedns.Account, token string) error
}

// CNAMEPublisher publishes challenge CNAME records automatically.
// *ipam.Client implements it.
type CNAMEPublisher interface {
	CreateCNAME(ctx context.Context, name, target string) error
	DeleteCNAME(ctx context.Context, name string) error
}

// PropagationChecker blocks until a TXT value is visible in DNS.
// *dnscheck.Checker implements it.
type PropagationChecker interface {
	WaitForTXT(ctx context.Context, fqdn, want string) error
}

// Options configures an Authenticator. Publisher, Checker, and Notifier
// are optional.
type Options struct {
	Store         CredentialStore
	API           API
	Publisher     CNAMEPublisher
	Checker       PropagationChecker
	Audit         audit.Logger
	Notifier      *notification.Notifier
	AllowFrom     []string
	ForceRegister bool
}

// Authenticator runs the registration-and-update flow for one domain at a
// time. It is safe for concurrent use across domains.
type Authenticator struct {
	opts Options
}

// Result describes what one run did.
type Result struct {
	// Domain is the normalized (wildcard-stripped) domain.
	Domain string
	// Account is the credential the update was performed with.
	Account *acmedns.Account
	// Registered reports whether this run created a fresh registration.
	// Only then does the operator need to (re)publish the CNAME.
	Registered bool
	// ReplacedExisting reports whether a forced registration discarded a
	// previously stored account.
	ReplacedExisting bool
	// CNAMEPublished reports whether the challenge CNAME was published
	// automatically during this run.
	CNAMEPublished bool
}

// ErrCNAMEPending is returned when a fresh registration succeeded and the
// TXT record was updated, but the challenge CNAME could not be published
// automatically. The operator must add the record and re-run issuance.
var ErrCNAMEPending = errors.New("challenge CNAME record not yet published")

// New creates an Authenticator.
func New(opts Options) (*Authenticator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("hook: a credential store is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("hook: an acme-dns client is required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.NoOpLogger{}
	}
	return &Authenticator{opts: opts}, nil
}

// Present obtains (or reuses) the acme-dns account for domain and pushes
// token into its TXT record. Every failure is surfaced; nothing is retried
// internally, because the issuance client owns the retry policy for the
// whole validation run.
func (a *Authenticator) Present(ctx context.Context, domain, token string) (*Result, error) {
	result := &Result{Domain: acmedns.NormalizeDomain(domain)}
	challenge := acmedns.ChallengeDomain(domain)

	ctx, span := telemetry.StartSpan(ctx, "hook.present",
		attribute.String("domain", result.Domain))
	defer span.End()

	account, err := a.lookupOrRegister(ctx, result)
	if err != nil {
		a.fail(result, err)
		a.notify(notification.Event{
			Type:    notification.EventHookFailed,
			Domain:  result.Domain,
			Message: "account lookup or registration failed",
			Error:   err.Error(),
		})
		return result, err
	}
	result.Account = account

	if result.Registered && a.opts.Publisher != nil {
		if err := a.publishCNAME(ctx, result, challenge, account.FullDomain); err != nil {
			// Publication failure is not fatal by itself: the TXT update
			// below still runs, and the caller prints manual instructions.
			result.CNAMEPublished = false
		}
	}

	if err := a.opts.API.Update(ctx, account, token); err != nil {
		a.fail(result, err)
		a.notify(notification.Event{
			Type:    notification.EventUpdateFailed,
			Domain:  result.Domain,
			Message: "acme-dns TXT update failed",
			Error:   err.Error(),
		})
		return result, err
	}
	a.log(&audit.Activity{
		Type:       audit.ActivityTXTUpdated,
		Domain:     result.Domain,
		FullDomain: account.FullDomain,
	})

	// Renewals always wait: the CNAME proved itself on an earlier run, but
	// the new token still has to become visible. A fresh registration only
	// waits once the CNAME was published this run; in manual mode (or
	// after a failed publish) the record isn't there yet and polling would
	// just time out.
	if a.opts.Checker != nil && (!result.Registered || result.CNAMEPublished) {
		if err := a.opts.Checker.WaitForTXT(ctx, challenge, token); err != nil {
			a.fail(result, err)
			return result, err
		}
	}

	if result.Registered && a.opts.Publisher != nil && !result.CNAMEPublished {
		return result, fmt.Errorf("%w for %s: point %s at %s.", ErrCNAMEPending,
			result.Domain, challenge, account.FullDomain)
	}

	return result, nil
}

// lookupOrRegister runs the LOOKUP and (when needed) REGISTER states under
// the store lock.
func (a *Authenticator) lookupOrRegister(ctx context.Context, result *Result) (*acmedns.Account, error) {
	release, err := a.opts.Store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// Load inside the critical section so a registration persisted by an
	// overlapping invocation is seen here instead of being repeated.
	if err := a.opts.Store.Load(); err != nil {
		return nil, err
	}

	account := a.opts.Store.Fetch(result.Domain)
	if account != nil && !a.opts.ForceRegister {
		a.log(&audit.Activity{
			Type:       audit.ActivityReused,
			Domain:     result.Domain,
			FullDomain: account.FullDomain,
		})
		return account, nil
	}
	result.ReplacedExisting = account != nil

	// Registration is not idempotent remotely: every call mints a new
	// subdomain. The result must be persisted before the lock is dropped;
	// a crash between the two calls leaks one unused account, which is
	// the accepted failure window.
	account, err = a.opts.API.Register(ctx, a.opts.AllowFrom)
	if err != nil {
		return nil, err
	}
	if err := a.opts.Store.Put(result.Domain, account); err != nil {
		return nil, fmt.Errorf("registered %s but failed to persist credentials: %w",
			account.FullDomain, err)
	}
	result.Registered = true

	a.log(&audit.Activity{
		Type:       audit.ActivityRegistered,
		Domain:     result.Domain,
		FullDomain: account.FullDomain,
	})
	a.notify(notification.Event{
		Type:       notification.EventRegistered,
		Domain:     result.Domain,
		FullDomain: account.FullDomain,
		Message:    fmt.Sprintf("registered new acme-dns account for %s", result.Domain),
	})
	return account, nil
}

// publishCNAME points the challenge name at the delegated subdomain via the
// configured publisher. A forced re-registration removes the record aimed
// at the discarded account first.
func (a *Authenticator) publishCNAME(ctx context.Context, result *Result, challenge, target string) error {
	if result.ReplacedExisting {
		if err := a.opts.Publisher.DeleteCNAME(ctx, challenge); err != nil {
			return err
		}
	}
	if err := a.opts.Publisher.CreateCNAME(ctx, challenge, target); err != nil {
		return err
	}
	result.CNAMEPublished = true
	a.log(&audit.Activity{
		Type:       audit.ActivityCNAMEPublished,
		Domain:     result.Domain,
		FullDomain: target,
	})
	return nil
}

func (a *Authenticator) fail(result *Result, err error) {
	a.log(&audit.Activity{
		Type:   audit.ActivityHookFailed,
		Domain: result.Domain,
		Error:  err.Error(),
	})
}

func (a *Authenticator) log(activity *audit.Activity) {
	// The audit trail is diagnostics, not state: a full disk must not
	// fail a validation run.
	_ = a.opts.Audit.Log(activity)
}

func (a *Authenticator) notify(event notification.Event) {
	if a.opts.Notifier == nil || !a.opts.Notifier.Enabled() {
		return
	}
	_ = a.opts.Notifier.Notify(event)
}
