// Package storage persists the domain → acme-dns account mapping as a JSON
// file. Writes go through a temp file and an atomic rename so a crash can
// never leave a torn store, and a sidecar advisory lock serializes
// read-modify-write sequences across overlapping hook processes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/redentordev/acme-dns-hook/pkg/acmedns"
)

const lockRetryInterval = 100 * time.Millisecond

// ErrLocked is returned when the store lock cannot be acquired within the
// configured timeout. The hook fails rather than blocking a certbot hook
// chain indefinitely.
var ErrLocked = errors.New("credential store is locked by another process")

// CorruptError indicates the store file exists but cannot be read or parsed.
// Silently discarding it would force a surprise re-registration, so the
// whole invocation fails instead.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("credential store %s is unreadable or corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Store is a file-backed credential store. The zero value is not usable;
// create one with New.
type Store struct {
	path        string
	lockTimeout time.Duration

	// sem serializes goroutines within this process, flock serializes
	// processes. flock alone is not enough: a second Acquire from the
	// same process would succeed immediately. A semaphore rather than a
	// mutex so intra-process waiters honor the same bounded timeout.
	sem   chan struct{}
	flock *flock.Flock

	accounts map[string]*acmedns.Account
}

// New creates a store backed by the JSON file at path. The file does not
// need to exist yet. lockTimeout bounds how long Acquire waits for the
// store lock.
func New(path string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Store{
		path:        path,
		lockTimeout: lockTimeout,
		sem:         make(chan struct{}, 1),
		flock:       flock.New(path + ".lock"),
		accounts:    make(map[string]*acmedns.Account),
	}
}

// Path returns the store file location.
func (s *Store) Path() string { return s.path }

// Acquire takes the store-wide lock and returns a release function. Hold it
// for the whole lookup+register+put sequence of one domain; release it
// before the (slower) TXT update call, which needs no serialization.
func (s *Store) Acquire(ctx context.Context) (release func(), err error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	select {
	case s.sem <- struct{}{}:
	case <-lockCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquiring store lock: %w", err)
		}
		return nil, fmt.Errorf("%w (waited %s for %s)", ErrLocked, s.lockTimeout, s.flock.Path())
	}

	locked, err := s.flock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !locked {
		<-s.sem
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquiring store lock: %w", err)
		}
		return nil, fmt.Errorf("%w (waited %s for %s)", ErrLocked, s.lockTimeout, s.flock.Path())
	}

	return func() {
		_ = s.flock.Unlock()
		<-s.sem
	}, nil
}

// Load reads the store file into memory. A missing file is an empty store;
// an unreadable or unparseable file is a CorruptError. Call under Acquire
// when the result feeds a read-modify-write.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.accounts = make(map[string]*acmedns.Account)
			return nil
		}
		return &CorruptError{Path: s.path, Err: err}
	}

	if len(data) == 0 {
		s.accounts = make(map[string]*acmedns.Account)
		return nil
	}

	accounts := make(map[string]*acmedns.Account)
	if err := json.Unmarshal(data, &accounts); err != nil {
		return &CorruptError{Path: s.path, Err: err}
	}

	s.accounts = accounts
	return nil
}

// Fetch returns the account stored for domain, or nil if none exists.
// Wildcard names resolve to their base domain's entry.
func (s *Store) Fetch(domain string) *acmedns.Account {
	return s.accounts[acmedns.NormalizeDomain(domain)]
}

// Put stores the account for domain and persists the whole mapping
// durably before returning. There is never more than one live account
// per domain key; Put replaces any existing entry atomically.
func (s *Store) Put(domain string, account *acmedns.Account) error {
	s.accounts[acmedns.NormalizeDomain(domain)] = account
	return s.save()
}

// Delete removes the account stored for domain and persists the change.
// It reports whether an entry existed.
func (s *Store) Delete(domain string) (bool, error) {
	key := acmedns.NormalizeDomain(domain)
	if _, ok := s.accounts[key]; !ok {
		return false, nil
	}
	delete(s.accounts, key)
	return true, s.save()
}

// Domains returns the stored domain keys in sorted order.
func (s *Store) Domains() []string {
	domains := make([]string, 0, len(s.accounts))
	for domain := range s.accounts {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// All returns the full domain → account mapping.
func (s *Store) All() map[string]*acmedns.Account {
	out := make(map[string]*acmedns.Account, len(s.accounts))
	for domain, account := range s.accounts {
		out[domain] = account
	}
	return out
}

// save writes the mapping to a temp file in the store's directory and
// renames it over the store file. Readers observe either the prior state
// or the new state, never a mix. Mode 0600: the file holds secrets.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credential store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set store file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync credential store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credential store: %w", err)
	}
	return nil
}
