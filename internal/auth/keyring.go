package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeyEntry is one API key in the keyring file. Presented keys have the form
// "<id>.<secret>"; only the Argon2id hash of the secret is stored.
type KeyEntry struct {
	ID     string `yaml:"id"`
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
	Hash   string `yaml:"hash"`
}

type keyringFile struct {
	Keys []KeyEntry `yaml:"keys"`
}

// Keyring verifies API keys against a fixed set of hashed entries.
type Keyring struct {
	entries map[string]KeyEntry
}

// NewKeyring builds a keyring from entries. Duplicate IDs are rejected.
func NewKeyring(entries []KeyEntry) (*Keyring, error) {
	k := &Keyring{entries: make(map[string]KeyEntry, len(entries))}
	for _, e := range entries {
		if e.ID == "" || e.Hash == "" {
			return nil, errors.New("auth: keyring entry needs id and hash")
		}
		if strings.Contains(e.ID, ".") {
			return nil, fmt.Errorf("auth: keyring id %q must not contain '.'", e.ID)
		}
		if _, dup := k.entries[e.ID]; dup {
			return nil, fmt.Errorf("auth: duplicate keyring id %q", e.ID)
		}
		if e.UserID == "" {
			e.UserID = e.ID
		}
		k.entries[e.ID] = e
	}
	return k, nil
}

// LoadKeyring reads a YAML keyring file.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("auth: read keyring: %w", err)
	}
	var f keyringFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("auth: parse keyring: %w", err)
	}
	return NewKeyring(f.Keys)
}

// Len returns the number of keys.
func (k *Keyring) Len() int { return len(k.entries) }

// Verify checks a presented key and returns the matching entry.
// Unknown IDs still pay for one hash so timing does not reveal which IDs exist.
func (k *Keyring) Verify(presented string) (KeyEntry, bool) {
	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		DummyVerify()
		return KeyEntry{}, false
	}
	entry, found := k.entries[id]
	if !found {
		DummyVerify()
		return KeyEntry{}, false
	}
	valid, err := VerifyAPIKey(secret, entry.Hash)
	if err != nil || !valid {
		return KeyEntry{}, false
	}
	return entry, true
}
