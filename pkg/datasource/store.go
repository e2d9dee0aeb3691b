package datasource

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/crypto"
)

// credentialKeys are config entries encrypted at rest.
var credentialKeys = []string{"password", "client_secret"}

// Store holds registered data source definitions. Credential entries in
// Config are encrypted before the definition is stored and decrypted only
// on the pool-open path, so a listed definition never exposes plaintext.
type Store struct {
	enc *crypto.CredentialEncryptor

	mu      sync.RWMutex
	sources map[uuid.UUID]*DataSource
}

// NewStore creates an empty definition store.
func NewStore(enc *crypto.CredentialEncryptor) *Store {
	return &Store{
		enc:     enc,
		sources: make(map[uuid.UUID]*DataSource),
	}
}

// Add registers a data source. The dialect must have an imported adapter.
// Assigns an ID when absent and encrypts credential config entries.
func (s *Store) Add(ds *DataSource) error {
	if ds.Name == "" {
		return apperrors.Validation("data source name is required")
	}
	if ConnectorFor(ds.Dialect) == nil {
		return apperrors.Validation("no adapter available for dialect %q", ds.Dialect)
	}
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}

	for _, key := range credentialKeys {
		plain, ok := ds.Config[key].(string)
		if !ok || plain == "" {
			continue
		}
		encrypted, err := s.enc.Encrypt(plain)
		if err != nil {
			return apperrors.Wrap(apperrors.KindValidation, err, "encrypt %s for data source %q", key, ds.Name)
		}
		ds.Config[key] = encrypted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[ds.ID] = ds
	return nil
}

// Get returns a definition by ID.
func (s *Store) Get(id uuid.UUID) (*DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.sources[id]
	if !ok {
		return nil, apperrors.Validation("unknown data source %s", id)
	}
	return ds, nil
}

// List returns all definitions ordered by creation time.
func (s *Store) List() []*DataSource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DataSource, 0, len(s.sources))
	for _, ds := range s.sources {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove deletes a definition.
func (s *Store) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[id]; !ok {
		return apperrors.Validation("unknown data source %s", id)
	}
	delete(s.sources, id)
	return nil
}

// DecryptedConfig returns a copy of a definition's config with credential
// entries decrypted, for handing to an adapter.
func (s *Store) DecryptedConfig(id uuid.UUID) (map[string]any, error) {
	ds, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	cfg := make(map[string]any, len(ds.Config))
	for k, v := range ds.Config {
		cfg[k] = v
	}
	for _, key := range credentialKeys {
		encrypted, ok := cfg[key].(string)
		if !ok || encrypted == "" {
			continue
		}
		plain, err := s.enc.Decrypt(encrypted)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindConnection, err, "decrypt %s for data source %s", key, id)
		}
		cfg[key] = plain
	}
	return cfg, nil
}
