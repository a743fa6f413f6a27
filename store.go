package recargas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AccountCredentials is everything persisted for one carrier account: the
// device fingerprint the carrier has learned to trust, and the token set from
// the last successful login. Any field may be absent; consumers must treat
// partial records as normal.
type AccountCredentials struct {
	Fingerprint        string          `json:"fingerprint,omitempty"`
	FingerprintSavedAt time.Time       `json:"fingerprint_saved_at,omitempty"`
	Model              string          `json:"model,omitempty"`
	AccessToken        string          `json:"access_token,omitempty"`
	RefreshToken       string          `json:"refresh_token,omitempty"`
	ResourceToken      string          `json:"resource_token,omitempty"`
	ExpiresAt          time.Time       `json:"expires_at,omitempty"`
	AccountInfo        json.RawMessage `json:"account_info,omitempty"`
	SavedAt            time.Time       `json:"saved_at,omitempty"`
}

// HasValidTokens reports whether the stored token set is usable at the given
// instant: resource token present and not yet expired.
func (c AccountCredentials) HasValidTokens(now time.Time) bool {
	return c.ResourceToken != "" && now.Before(c.ExpiresAt)
}

// CredentialStore persists fingerprints and tokens per account across process
// restarts. Implementations must tolerate missing or partial records.
type CredentialStore interface {
	// Load returns the stored record and whether one existed.
	Load(account string) (AccountCredentials, bool, error)
	// Save overwrites the record for the account.
	Save(account string, creds AccountCredentials) error
	// ClearTokens removes the token fields but keeps the fingerprint.
	ClearTokens(account string) error
	// ClearFingerprint removes the fingerprint but keeps any tokens.
	ClearFingerprint(account string) error
}

// =============================================================================
// JSON file store
// =============================================================================

// FileStore keeps all accounts' credentials in a single JSON file, matching
// the layout the rest of the deployment's tooling expects.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) readAll() (map[string]AccountCredentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AccountCredentials{}, nil
		}
		return nil, err
	}

	records := map[string]AccountCredentials{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("credentials file %s: %w", s.path, err)
		}
	}
	return records, nil
}

func (s *FileStore) writeAll(records map[string]AccountCredentials) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Load(account string) (AccountCredentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return AccountCredentials{}, false, err
	}
	creds, ok := records[account]
	return creds, ok, nil
}

func (s *FileStore) Save(account string, creds AccountCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	records[account] = creds
	return s.writeAll(records)
}

func (s *FileStore) ClearTokens(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	creds, ok := records[account]
	if !ok {
		return nil
	}
	creds.AccessToken = ""
	creds.RefreshToken = ""
	creds.ResourceToken = ""
	creds.ExpiresAt = time.Time{}
	creds.AccountInfo = nil
	records[account] = creds
	return s.writeAll(records)
}

func (s *FileStore) ClearFingerprint(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	creds, ok := records[account]
	if !ok {
		return nil
	}
	creds.Fingerprint = ""
	creds.FingerprintSavedAt = time.Time{}
	records[account] = creds
	return s.writeAll(records)
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryStore is a CredentialStore backed by a map. Used in tests and as a
// fallback when no persistence is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]AccountCredentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]AccountCredentials{}}
}

func (s *MemoryStore) Load(account string) (AccountCredentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.records[account]
	return creds, ok, nil
}

func (s *MemoryStore) Save(account string, creds AccountCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[account] = creds
	return nil
}

func (s *MemoryStore) ClearTokens(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.records[account]
	if !ok {
		return nil
	}
	creds.AccessToken = ""
	creds.RefreshToken = ""
	creds.ResourceToken = ""
	creds.ExpiresAt = time.Time{}
	creds.AccountInfo = nil
	s.records[account] = creds
	return nil
}

func (s *MemoryStore) ClearFingerprint(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.records[account]
	if !ok {
		return nil
	}
	creds.Fingerprint = ""
	creds.FingerprintSavedAt = time.Time{}
	s.records[account] = creds
	return nil
}
