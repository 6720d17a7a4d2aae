package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
	"github.com/redentordev/acme-dns-hook/pkg/notification"
	"github.com/redentordev/acme-dns-hook/pkg/storage"
)

// fakeRemote fakes the acme-dns API with credential checking, so tests can
// observe registrations and the final TXT state per subdomain.
type fakeRemote struct {
	*httptest.Server

	mu            sync.Mutex
	registrations int
	passwords     map[string]string // username -> password
	txt           map[string]string // subdomain -> value
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	remote := &fakeRemote{
		passwords: make(map[string]string),
		txt:       make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		remote.mu.Lock()
		remote.registrations++
		n := remote.registrations
		account := acmedns.Account{
			Username:   "user-" + strconv.Itoa(n),
			Password:   "pass-" + strconv.Itoa(n),
			Subdomain:  "sub-" + strconv.Itoa(n),
			FullDomain: "sub-" + strconv.Itoa(n) + ".auth.example.net",
		}
		remote.passwords[account.Username] = account.Password
		remote.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(account)
	})
	mux.HandleFunc("POST /update", func(w http.ResponseWriter, r *http.Request) {
		remote.mu.Lock()
		defer remote.mu.Unlock()

		user := r.Header.Get("X-Api-User")
		if password, ok := remote.passwords[user]; !ok || password != r.Header.Get("X-Api-Key") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var body struct {
			Subdomain string `json:"subdomain"`
			TXT       string `json:"txt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		remote.txt[body.Subdomain] = body.TXT
		json.NewEncoder(w).Encode(map[string]string{"txt": body.TXT})
	})

	remote.Server = httptest.NewServer(mux)
	t.Cleanup(remote.Server.Close)
	return remote
}

func (f *fakeRemote) registrationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations
}

func (f *fakeRemote) txtFor(subdomain string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txt[subdomain]
}

func newTestAuthenticator(t *testing.T, remote *fakeRemote, force bool) (*Authenticator, *storage.Store) {
	t.Helper()

	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)
	authenticator, err := New(Options{
		Store:         store,
		API:           acmedns.NewClient(remote.URL, 5*time.Second),
		ForceRegister: force,
	})
	if err != nil {
		t.Fatal(err)
	}
	return authenticator, store
}

func TestFirstRunRegistersAndUpdates(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, store := newTestAuthenticator(t, remote, false)

	result, err := authenticator.Present(context.Background(), "app.example.org", "TOKENVALUE")
	if err != nil {
		t.Fatalf("Present: %v", err)
	}

	if !result.Registered {
		t.Error("first run should report a fresh registration")
	}
	if result.Account.FullDomain != "sub-1.auth.example.net" {
		t.Errorf("FullDomain = %s", result.Account.FullDomain)
	}
	if got := remote.txtFor(result.Account.Subdomain); got != "TOKENVALUE" {
		t.Errorf("remote TXT = %q, want TOKENVALUE", got)
	}

	// Exactly one credential persisted.
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if got := len(store.All()); got != 1 {
		t.Errorf("store holds %d entries, want 1", got)
	}
	if stored := store.Fetch("app.example.org"); stored == nil || stored.Subdomain != "sub-1" {
		t.Errorf("persisted account = %+v", stored)
	}
}

func TestSecondRunReusesStoredAccount(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, store := newTestAuthenticator(t, remote, false)

	first, err := authenticator.Present(context.Background(), "app.example.org", "TOKEN1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := authenticator.Present(context.Background(), "app.example.org", "TOKEN2")
	if err != nil {
		t.Fatal(err)
	}

	if remote.registrationCount() != 1 {
		t.Errorf("remote saw %d registrations, want 1", remote.registrationCount())
	}
	if second.Registered {
		t.Error("second run must not report a fresh registration")
	}
	if second.Account.Subdomain != first.Account.Subdomain {
		t.Error("second run used a different account")
	}
	if got := remote.txtFor(first.Account.Subdomain); got != "TOKEN2" {
		t.Errorf("remote TXT = %q, want TOKEN2", got)
	}

	// The stored entry is untouched.
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if stored := store.Fetch("app.example.org"); stored.Username != first.Account.Username {
		t.Error("reuse run mutated the stored entry")
	}
}

func TestWildcardAndBaseDomainShareAccount(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, _ := newTestAuthenticator(t, remote, false)

	if _, err := authenticator.Present(context.Background(), "example.org", "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := authenticator.Present(context.Background(), "*.example.org", "T2"); err != nil {
		t.Fatal(err)
	}

	if remote.registrationCount() != 1 {
		t.Errorf("wildcard and base domain registered separately (%d registrations)", remote.registrationCount())
	}
}

func TestForcedRegistrationReplacesAccount(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, store := newTestAuthenticator(t, remote, false)

	first, err := authenticator.Present(context.Background(), "example.org", "T1")
	if err != nil {
		t.Fatal(err)
	}

	forced, err := New(Options{
		Store:         store,
		API:           acmedns.NewClient(remote.URL, 5*time.Second),
		ForceRegister: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := forced.Present(context.Background(), "example.org", "T2")
	if err != nil {
		t.Fatal(err)
	}

	if !result.Registered || !result.ReplacedExisting {
		t.Errorf("forced run: Registered=%v ReplacedExisting=%v", result.Registered, result.ReplacedExisting)
	}
	if result.Account.Subdomain == first.Account.Subdomain {
		t.Error("forced run reused the old account")
	}
	// The update targeted the new subdomain only.
	if got := remote.txtFor(result.Account.Subdomain); got != "T2" {
		t.Errorf("new subdomain TXT = %q, want T2", got)
	}
	if got := remote.txtFor(first.Account.Subdomain); got != "T1" {
		t.Errorf("old subdomain TXT = %q, want untouched T1", got)
	}

	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if got := len(store.All()); got != 1 {
		t.Errorf("store holds %d entries after forced re-registration, want 1", got)
	}
}

func TestAuthRejectedDoesNotReRegister(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, store := newTestAuthenticator(t, remote, false)

	// Seed the store with credentials the remote no longer accepts.
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("example.org", &acmedns.Account{
		Username:   "stale-user",
		Password:   "stale-pass",
		Subdomain:  "stale-sub",
		FullDomain: "stale-sub.auth.example.net",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := authenticator.Present(context.Background(), "example.org", "TOKEN")

	var authErr *acmedns.AuthRejectedError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthRejectedError, got %v", err)
	}
	if remote.registrationCount() != 0 {
		t.Error("rejected credentials must not trigger automatic re-registration")
	}
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if stored := store.Fetch("example.org"); stored.Username != "stale-user" {
		t.Error("rejected credentials were replaced in the store")
	}
}

func TestConcurrentDifferentDomains(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, store := newTestAuthenticator(t, remote, false)

	var group sync.WaitGroup
	for i := 0; i < 4; i++ {
		group.Add(1)
		go func(n int) {
			defer group.Done()
			domain := fmt.Sprintf("site-%d.example.org", n)
			if _, err := authenticator.Present(context.Background(), domain, "TOKEN"); err != nil {
				t.Errorf("Present(%s): %v", domain, err)
			}
		}(i)
	}
	group.Wait()

	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if got := len(store.All()); got != 4 {
		t.Errorf("store holds %d entries, want 4", got)
	}
	if remote.registrationCount() != 4 {
		t.Errorf("remote saw %d registrations, want 4", remote.registrationCount())
	}
}

func TestConcurrentSameDomainRegistersOnce(t *testing.T) {
	remote := newFakeRemote(t)
	authenticator, store := newTestAuthenticator(t, remote, false)

	var group sync.WaitGroup
	for i := 0; i < 4; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			if _, err := authenticator.Present(context.Background(), "example.org", "TOKEN"); err != nil {
				t.Errorf("Present: %v", err)
			}
		}()
	}
	group.Wait()

	if remote.registrationCount() != 1 {
		t.Errorf("remote saw %d registrations for one domain, want 1", remote.registrationCount())
	}
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if got := len(store.All()); got != 1 {
		t.Errorf("store holds %d entries, want 1", got)
	}
}

// fakePublisher records CNAME operations and can be told to fail.
type fakePublisher struct {
	mu      sync.Mutex
	created []string // "name -> target"
	deleted []string
	fail    bool
}

func (p *fakePublisher) CreateCNAME(ctx context.Context, name, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("dns backend unavailable")
	}
	p.created = append(p.created, name+" -> "+target)
	return nil
}

func (p *fakePublisher) DeleteCNAME(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, name)
	return nil
}

type fakeChecker struct {
	calls int
}

func (c *fakeChecker) WaitForTXT(ctx context.Context, fqdn, want string) error {
	c.calls++
	return nil
}

func TestPublisherRunsOnFreshRegistrationOnly(t *testing.T) {
	remote := newFakeRemote(t)
	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)
	publisher := &fakePublisher{}
	checker := &fakeChecker{}

	authenticator, err := New(Options{
		Store:     store,
		API:       acmedns.NewClient(remote.URL, 5*time.Second),
		Publisher: publisher,
		Checker:   checker,
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := authenticator.Present(context.Background(), "example.org", "T1")
	if err != nil {
		t.Fatal(err)
	}
	if !first.CNAMEPublished {
		t.Error("fresh registration should publish the CNAME")
	}
	want := "_acme-challenge.example.org -> " + first.Account.FullDomain
	if len(publisher.created) != 1 || publisher.created[0] != want {
		t.Errorf("published %v, want [%s]", publisher.created, want)
	}
	if checker.calls != 1 {
		t.Errorf("propagation checker ran %d times on fresh registration, want 1", checker.calls)
	}

	// Renewal: no publish, but the new token still gets waited on.
	second, err := authenticator.Present(context.Background(), "example.org", "T2")
	if err != nil {
		t.Fatal(err)
	}
	if second.CNAMEPublished {
		t.Error("reuse run should not republish the CNAME")
	}
	if len(publisher.created) != 1 {
		t.Errorf("reuse run republished the CNAME (created=%d)", len(publisher.created))
	}
	if checker.calls != 2 {
		t.Errorf("propagation checker ran %d times across register+renewal, want 2", checker.calls)
	}
}

func TestRenewalWaitsForPropagation(t *testing.T) {
	remote := newFakeRemote(t)
	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)
	checker := &fakeChecker{}

	// Manual mode: no publisher configured.
	authenticator, err := New(Options{
		Store:   store,
		API:     acmedns.NewClient(remote.URL, 5*time.Second),
		Checker: checker,
	})
	if err != nil {
		t.Fatal(err)
	}

	// First run registers; the CNAME isn't in DNS yet, so no wait.
	if _, err := authenticator.Present(context.Background(), "example.org", "T1"); err != nil {
		t.Fatal(err)
	}
	if checker.calls != 0 {
		t.Errorf("fresh unpublished registration waited %d times, want 0", checker.calls)
	}

	// Renewal: the CNAME is in place by now, and the new token must become
	// visible before the run reports success.
	if _, err := authenticator.Present(context.Background(), "example.org", "T2"); err != nil {
		t.Fatal(err)
	}
	if checker.calls != 1 {
		t.Errorf("renewal waited %d times, want 1", checker.calls)
	}
}

func TestPublishFailureStillUpdatesAndReturnsPending(t *testing.T) {
	remote := newFakeRemote(t)
	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)

	authenticator, err := New(Options{
		Store:     store,
		API:       acmedns.NewClient(remote.URL, 5*time.Second),
		Publisher: &fakePublisher{fail: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := authenticator.Present(context.Background(), "example.org", "TOKEN")
	if !errors.Is(err, ErrCNAMEPending) {
		t.Fatalf("want ErrCNAMEPending, got %v", err)
	}

	// The account and TXT record are in place, so issuance can proceed as
	// soon as the operator adds the record by hand.
	if got := remote.txtFor(result.Account.Subdomain); got != "TOKEN" {
		t.Errorf("remote TXT = %q, want TOKEN", got)
	}
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if store.Fetch("example.org") == nil {
		t.Error("registration not persisted despite publish failure")
	}
}

func TestForcedRegistrationReplacesPublishedCNAME(t *testing.T) {
	remote := newFakeRemote(t)
	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)
	publisher := &fakePublisher{}

	authenticator, err := New(Options{
		Store:     store,
		API:       acmedns.NewClient(remote.URL, 5*time.Second),
		Publisher: publisher,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := authenticator.Present(context.Background(), "example.org", "T1"); err != nil {
		t.Fatal(err)
	}

	forced, err := New(Options{
		Store:         store,
		API:           acmedns.NewClient(remote.URL, 5*time.Second),
		Publisher:     publisher,
		ForceRegister: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := forced.Present(context.Background(), "example.org", "T2"); err != nil {
		t.Fatal(err)
	}

	if len(publisher.deleted) != 1 || publisher.deleted[0] != "_acme-challenge.example.org" {
		t.Errorf("stale CNAME not removed before republish: %v", publisher.deleted)
	}
	if len(publisher.created) != 2 {
		t.Errorf("publisher created %d records, want 2", len(publisher.created))
	}
}

func TestRegistrationFailureNotifies(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event struct {
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("malformed webhook payload: %v", err)
		}
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	}))
	defer webhook.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer api.Close()

	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)
	authenticator, err := New(Options{
		Store:    store,
		API:      acmedns.NewClient(api.URL, 5*time.Second),
		Notifier: notification.NewNotifier(notification.Config{Webhook: webhook.URL}),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := authenticator.Present(context.Background(), "example.org", "TOKEN"); err == nil {
		t.Fatal("Present should fail when registration fails")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 1 || types[0] != string(notification.EventHookFailed) {
		t.Errorf("webhook received %v, want one %s event", types, notification.EventHookFailed)
	}
}

// failingStore wraps a real store and fails the persistence step, simulating
// a crash after the registration call returned.
type failingStore struct {
	*storage.Store
}

func (f *failingStore) Put(domain string, account *acmedns.Account) error {
	return fmt.Errorf("disk full")
}

func TestRegisterPersistFailureKeepsStoreValid(t *testing.T) {
	remote := newFakeRemote(t)

	store := storage.New(filepath.Join(t.TempDir(), "acmedns.json"), 2*time.Second)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("other.example.org", &acmedns.Account{
		Username: "u0", Password: "p0", Subdomain: "s0", FullDomain: "s0.auth.example.net",
	}); err != nil {
		t.Fatal(err)
	}

	authenticator, err := New(Options{
		Store: &failingStore{store},
		API:   acmedns.NewClient(remote.URL, 5*time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = authenticator.Present(context.Background(), "example.org", "TOKEN")
	if err == nil {
		t.Fatal("Present should fail when persistence fails")
	}

	// The registration happened (the leaked account is the documented
	// window), but the store still holds exactly its prior valid state.
	if remote.registrationCount() != 1 {
		t.Errorf("registrations = %d, want 1", remote.registrationCount())
	}
	reopened := storage.New(store.Path(), time.Second)
	if err := reopened.Load(); err != nil {
		t.Fatalf("store no longer valid: %v", err)
	}
	if got := len(reopened.All()); got != 1 {
		t.Errorf("store holds %d entries, want the 1 prior entry", got)
	}
	if reopened.Fetch("example.org") != nil {
		t.Error("unpersisted registration leaked into the store")
	}
}

func TestMissingStoreDirectoryFailsCleanly(t *testing.T) {
	remote := newFakeRemote(t)

	store := storage.New(filepath.Join(t.TempDir(), "missing", "acmedns.json"), time.Second)
	authenticator, err := New(Options{
		Store: store,
		API:   acmedns.NewClient(remote.URL, 5*time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := authenticator.Present(context.Background(), "example.org", "TOKEN"); err == nil {
		t.Fatal("Present should fail when the store cannot be persisted")
	}
}
