package oauth

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It is the default for tests and
// single-process callers; durable deployments supply their own Store.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[string]*ClientCredentials
	pkce        map[pkceKey]*PKCEValues
	tokens      map[tokenKey]*Token
}

type pkceKey struct {
	userID string
	state  string
}

type tokenKey struct {
	userID      string
	resourceURL string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*ClientCredentials),
		pkce:        make(map[pkceKey]*PKCEValues),
		tokens:      make(map[tokenKey]*Token),
	}
}

func (s *MemoryStore) GetClientCredentials(_ context.Context, issuer string) (*ClientCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if creds, ok := s.credentials[issuer]; ok {
		c := *creds
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveClientCredentials(_ context.Context, issuer string, creds *ClientCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *creds
	s.credentials[issuer] = &c
	return nil
}

func (s *MemoryStore) SavePKCEValues(_ context.Context, userID, state string, values *PKCEValues) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *values
	s.pkce[pkceKey{userID, state}] = &v
	return nil
}

// ConsumePKCEValues returns and removes the stored values under one lock,
// so a repeated callback with the same state sees nothing.
func (s *MemoryStore) ConsumePKCEValues(_ context.Context, userID, state string) (*PKCEValues, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pkceKey{userID, state}
	values, ok := s.pkce[key]
	if !ok {
		return nil, nil
	}
	delete(s.pkce, key)
	return values, nil
}

func (s *MemoryStore) GetAccessToken(_ context.Context, userID, resourceURL string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.tokens[tokenKey{userID, resourceURL}]; ok {
		t := *token
		return &t, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveAccessToken(_ context.Context, userID, resourceURL string, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *token
	s.tokens[tokenKey{userID, resourceURL}] = &t
	return nil
}

func (s *MemoryStore) DeleteAccessToken(_ context.Context, userID, resourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenKey{userID, resourceURL})
	return nil
}
