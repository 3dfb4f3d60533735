package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// ConversationsBucket is the KV bucket name for conversations.
	ConversationsBucket = "CONVERSATIONS"

	// ResolutionsBucket is the KV bucket name for resolutions.
	ResolutionsBucket = "RESOLUTIONS"
)

// NATSStore persists conversations and resolutions in JetStream KV buckets.
// Resolution keys are {conversation_id}.{resolution_id} to enable prefix
// queries per conversation.
type NATSStore struct {
	conversations jetstream.KeyValue
	resolutions   jetstream.KeyValue
	logger        *slog.Logger
}

// NewNATSStore creates the KV buckets (idempotent) and returns a store.
func NewNATSStore(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	convBucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ConversationsBucket,
		Description: "Customer conversations and transcripts",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", ConversationsBucket, err)
	}

	resBucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ResolutionsBucket,
		Description: "Resolutions pending or past rep review",
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", ResolutionsBucket, err)
	}

	return &NATSStore{
		conversations: convBucket,
		resolutions:   resBucket,
		logger:        logger,
	}, nil
}

// CreateConversation implements Store.
func (s *NATSStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.Status == "" {
		conv.Status = StatusActive
	}
	return s.putConversation(ctx, conv)
}

// GetConversation implements Store.
func (s *NATSStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	entry, err := s.conversations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// AppendMessage implements Store.
func (s *NATSStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (*Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg.Seq = len(conv.Messages) + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	conv.Messages = append(conv.Messages, msg)

	if err := s.putConversation(ctx, conv); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateStatus implements Store.
func (s *NATSStore) UpdateStatus(ctx context.Context, conversationID string, status Status) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.Status = status
	return s.putConversation(ctx, conv)
}

// SaveResolution implements Store.
func (s *NATSStore) SaveResolution(ctx context.Context, res *Resolution) error {
	if res.ID == "" || res.ConversationID == "" {
		return fmt.Errorf("resolution id and conversation id are required")
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}

	key := fmt.Sprintf("%s.%s", res.ConversationID, res.ID)
	if _, err := s.resolutions.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put resolution: %w", err)
	}
	return nil
}

// GetResolution implements Store.
// Scans keys because resolution ids alone don't encode the conversation.
func (s *NATSStore) GetResolution(ctx context.Context, id string) (*Resolution, error) {
	keys, err := s.resolutions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	suffix := "." + id
	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		entry, err := s.resolutions.Get(ctx, key)
		if err != nil {
			continue
		}
		var res Resolution
		if err := json.Unmarshal(entry.Value(), &res); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
		return &res, nil
	}
	return nil, ErrNotFound
}

// ListResolutions implements Store.
func (s *NATSStore) ListResolutions(ctx context.Context, conversationID string) ([]*Resolution, error) {
	keys, err := s.resolutions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := conversationID + "."
	var out []*Resolution
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.resolutions.Get(ctx, key)
		if err != nil {
			// ErrKeyDeleted is expected during concurrent access
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				s.logger.Warn("Failed to get key", "key", key, "error", err)
			}
			continue
		}
		var res Resolution
		if err := json.Unmarshal(entry.Value(), &res); err != nil {
			s.logger.Warn("Failed to unmarshal resolution", "key", key, "error", err)
			continue
		}
		out = append(out, &res)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *NATSStore) putConversation(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	if _, err := s.conversations.Put(ctx, conv.ID, data); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}
