package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Trust files are a development stand-in for the account-key authority: a
// JSON map from account id to base64 public key. Peers sharing a trust file
// can verify each other without any authority service.

type trustEntry struct {
	Key string `json:"key"`
}

// LoadTrust reads a trust file into a StaticResolver. A missing file yields
// an empty resolver.
func LoadTrust(path string) (StaticResolver, error) {
	resolver := make(StaticResolver)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return resolver, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make(map[string]trustEntry)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for id, entry := range entries {
		accountID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse %s: bad account id %q", path, id)
		}
		key, err := base64.StdEncoding.DecodeString(entry.Key)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("parse %s: bad key for %s", path, id)
		}
		resolver[accountID] = Key{Public: key}
	}
	return resolver, nil
}

// SaveTrust writes a resolver's keys back to a trust file.
func SaveTrust(path string, resolver StaticResolver) error {
	entries := make(map[string]trustEntry, len(resolver))
	for id, key := range resolver {
		entries[id.String()] = trustEntry{Key: base64.StdEncoding.EncodeToString(key.Public)}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0600)
}
