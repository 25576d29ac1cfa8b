// Package account keeps the set of remote storage accounts transfers run
// against. The registry is the single source of credential truth: token
// sources hand out whatever the registry holds at request time, so a rotated
// token reaches reused sessions without rebuilding them.
package account

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// ErrUnknownAccount is returned when an account is not in the registry,
// either because it never was or because it has been removed.
var ErrUnknownAccount = errors.New("unknown account")

// Account is one configured remote storage account.
type Account struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// Registry is the mutable, concurrency-safe account set.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewRegistry creates a registry holding the given accounts.
func NewRegistry(accounts ...Account) *Registry {
	registry := &Registry{accounts: make(map[string]Account, len(accounts))}
	for _, acct := range accounts {
		registry.accounts[acct.Name] = acct
	}

	return registry
}

// LoadRegistry reads the accounts file and validates every entry.
func LoadRegistry(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open accounts file: %w", err)
	}
	defer file.Close()

	var doc struct {
		Accounts []Account `yaml:"accounts"`
	}

	d := yaml.NewDecoder(file)
	if err := d.Decode(&doc); err != nil {
		return nil, fmt.Errorf("could not decode accounts file: %w", err)
	}

	for i, acct := range doc.Accounts {
		if acct.Name == "" {
			return nil, fmt.Errorf("account %d has no name", i)
		}

		if acct.Endpoint == "" {
			return nil, fmt.Errorf("account %q has no endpoint", acct.Name)
		}
	}

	return NewRegistry(doc.Accounts...), nil
}

// Exists reports whether the account is still registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.accounts[name]

	return ok
}

// Get returns the account by name.
func (r *Registry) Get(name string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[name]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}

	return acct, nil
}

// Remove drops the account and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.accounts[name]
	delete(r.accounts, name)

	return ok
}

// UpdateToken replaces the account's token. Sessions pick the new token up on
// their next request.
func (r *Registry) UpdateToken(name, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}

	acct.Token = token
	r.accounts[name] = acct

	return nil
}

// Names returns the registered account names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.accounts))
	for name := range r.accounts {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// TokenSource bridges the registry into oauth2. The returned source reads the
// account's current token on every call and fails once the account is gone.
func (r *Registry) TokenSource(name string) oauth2.TokenSource {
	return &registrySource{registry: r, name: name}
}

type registrySource struct {
	registry *Registry
	name     string
}

func (s *registrySource) Token() (*oauth2.Token, error) {
	acct, err := s.registry.Get(s.name)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{AccessToken: acct.Token}, nil
}
