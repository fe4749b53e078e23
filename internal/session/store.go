package session

import (
	"context"
	"sync"
)

// Intent is the "resume in this mode" note left before redirecting to the
// identity provider, together with the state value the callback must echo.
type Intent struct {
	Mode  Mode   `json:"mode"`
	State string `json:"state"`
}

// Store holds the session's credential and pending intent. Implementations
// must be safe for concurrent use.
type Store interface {
	// Credential returns "" when no credential is held.
	Credential(ctx context.Context) (string, error)
	SetCredential(ctx context.Context, credential string) error
	ClearCredential(ctx context.Context) error
	SetIntent(ctx context.Context, intent Intent) error
	// ConsumeIntent returns and removes the pending intent.
	ConsumeIntent(ctx context.Context) (Intent, bool, error)
	ClearIntent(ctx context.Context) error
}

// MemoryStore keeps the session in process memory; it is lost on restart.
type MemoryStore struct {
	mu         sync.Mutex
	credential string
	intent     *Intent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Credential(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential, nil
}

func (s *MemoryStore) SetCredential(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = credential
	return nil
}

func (s *MemoryStore) ClearCredential(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = ""
	return nil
}

func (s *MemoryStore) SetIntent(_ context.Context, intent Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = &intent
	return nil
}

func (s *MemoryStore) ConsumeIntent(context.Context) (Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent == nil {
		return Intent{}, false, nil
	}
	intent := *s.intent
	s.intent = nil
	return intent, true, nil
}

func (s *MemoryStore) ClearIntent(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = nil
	return nil
}
