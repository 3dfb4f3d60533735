package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a conversation or resolution does not exist.
var ErrNotFound = errors.New("not found")

// Store persists conversations and resolutions.
type Store interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversation returns a conversation by id, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendMessage appends a message to a conversation's transcript,
	// assigning the next sequence number.
	AppendMessage(ctx context.Context, conversationID string, msg Message) (*Message, error)

	// UpdateStatus transitions a conversation's lifecycle status.
	UpdateStatus(ctx context.Context, conversationID string, status Status) error

	// SaveResolution persists a resolution. Idempotent by resolution id.
	SaveResolution(ctx context.Context, res *Resolution) error

	// GetResolution returns a resolution by id, or ErrNotFound.
	GetResolution(ctx context.Context, id string) (*Resolution, error)

	// ListResolutions returns a conversation's resolutions, oldest first.
	ListResolutions(ctx context.Context, conversationID string) ([]*Resolution, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	resolutions   map[string]*Resolution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		resolutions:   make(map[string]*Resolution),
	}
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.Status == "" {
		conv.Status = StatusActive
	}

	clone := cloneConversation(conv)
	s.conversations[conv.ID] = clone
	return nil
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, msg Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	msg.Seq = len(conv.Messages) + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	conv.Messages = append(conv.Messages, msg)

	saved := msg
	return &saved, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, conversationID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	return nil
}

// SaveResolution implements Store.
func (s *MemoryStore) SaveResolution(_ context.Context, res *Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *res
	s.resolutions[res.ID] = &clone
	return nil
}

// GetResolution implements Store.
func (s *MemoryStore) GetResolution(_ context.Context, id string) (*Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resolutions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *res
	return &clone, nil
}

// ListResolutions implements Store.
func (s *MemoryStore) ListResolutions(_ context.Context, conversationID string) ([]*Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Resolution
	for _, res := range s.resolutions {
		if res.ConversationID == conversationID {
			clone := *res
			out = append(out, &clone)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneConversation(conv *Conversation) *Conversation {
	clone := *conv
	clone.Messages = append([]Message(nil), conv.Messages...)
	return &clone
}
