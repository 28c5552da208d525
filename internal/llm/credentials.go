package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Credential is one provider's entry in the credentials file.
type Credential struct {
	Type    string `json:"type"`              // "api" or "token"
	Key     string `json:"key,omitempty"`     // for type=api
	Access  string `json:"access,omitempty"`  // for type=token
	Expires int64  `json:"expires,omitempty"` // unix ms, for type=token; 0 never expires
}

// Credentials reads provider API keys from a JSON file shaped like
// {"anthropic": {"type": "api", "key": "sk-..."}}. Keys in the file are
// used when the config does not carry one.
type Credentials struct {
	path    string
	mu      sync.RWMutex
	entries map[string]*Credential
}

// LoadCredentials reads the credentials file. A missing file yields an
// empty set.
func LoadCredentials(path string) (*Credentials, error) {
	c := &Credentials{path: path, entries: map[string]*Credential{}}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return c, nil
}

// APIKey returns the usable key for provider.
func (c *Credentials) APIKey(provider string, now time.Time) (string, error) {
	c.mu.RLock()
	e := c.entries[provider]
	c.mu.RUnlock()
	if e == nil {
		return "", fmt.Errorf("no credentials for provider %q", provider)
	}

	switch e.Type {
	case "api", "":
		if e.Key == "" {
			return "", fmt.Errorf("empty api key for %q", provider)
		}
		return e.Key, nil
	case "token":
		// Five minutes of slack so a request does not start with a token
		// about to lapse.
		if e.Access == "" || (e.Expires != 0 && e.Expires <= now.Add(5*time.Minute).UnixMilli()) {
			return "", fmt.Errorf("access token for %q expired", provider)
		}
		return e.Access, nil
	}
	return "", fmt.Errorf("unknown credential type %q for %q", e.Type, provider)
}

// Resolve returns configured when set, else the stored key for provider,
// else "".
func (c *Credentials) Resolve(provider, configured string) string {
	if configured != "" || c == nil {
		return configured
	}
	key, err := c.APIKey(provider, time.Now())
	if err != nil {
		return ""
	}
	return key
}

// Providers lists the providers with stored credentials.
func (c *Credentials) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
