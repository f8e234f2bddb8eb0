package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the local durable store: a message cache plus the pending-send
// outbox. No cross-table transactional guarantee is assumed by callers.
type Store interface {
	// SaveMessage upserts msg under msg.Key(). Saving a confirmed message
	// that carries a ProvisionalID retires the provisional row. Saving a
	// provisional message whose ID was already retired is a no-op.
	SaveMessage(ctx context.Context, msg Message) error
	// FetchMessages returns up to limit of the newest messages of a
	// conversation in chronological order. limit <= 0 returns all.
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]Message, error)

	// AddToOutbox stores entry with the next sequence number and returns
	// the stored entry.
	AddToOutbox(ctx context.Context, entry OutboxEntry) (OutboxEntry, error)
	// FetchOutbox returns all entries in Seq order, rejected ones included.
	FetchOutbox(ctx context.Context) ([]OutboxEntry, error)
	RemoveFromOutbox(ctx context.Context, id string) error
	// UpdateOutboxRetry increments RetryCount and records the failure.
	UpdateOutboxRetry(ctx context.Context, id, lastError string, nextRetryAt time.Time) error
	MarkOutboxRejected(ctx context.Context, id, reason string) error
	// RequeueOutbox clears the failure state and moves the entry to the
	// tail of the queue.
	RequeueOutbox(ctx context.Context, id string) error
}

// ErrNotFound is returned for unknown outbox IDs.
var ErrNotFound = fmt.Errorf("chatsync: not found")

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Store. It is the default for
// tests and for clients without a persistent disk.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]Message
	retired  map[string]string // provisional ID -> server ID
	outbox   map[string]OutboxEntry
	seq      int64
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]Message),
		retired:  make(map[string]string),
		outbox:   make(map[string]OutboxEntry),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) SaveMessage(_ context.Context, msg Message) error {
	key := msg.Key()
	if key == "" {
		return fmt.Errorf("save message: no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !msg.Confirmed() {
		if _, gone := s.retired[msg.ProvisionalID]; gone {
			return nil
		}
	} else if msg.ProvisionalID != "" {
		delete(s.messages, msg.ProvisionalID)
		s.retired[msg.ProvisionalID] = msg.ID
	}
	s.messages[key] = cloneMessage(msg)
	return nil
}

func (s *MemoryStorage) FetchMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			result = append(result, cloneMessage(m))
		}
	}
	sortMessages(result)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStorage) SearchMessages(_ context.Context, query, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var results []Message
	for _, m := range s.messages {
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, cloneMessage(m))
		}
	}
	sortMessages(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ── Outbox ───────────────────────────────────────────────

func (s *MemoryStorage) AddToOutbox(_ context.Context, entry OutboxEntry) (OutboxEntry, error) {
	if entry.ID == "" {
		return OutboxEntry{}, fmt.Errorf("add to outbox: no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	entry.Message = cloneMessage(entry.Message)
	s.outbox[entry.ID] = entry
	return entry, nil
}

func (s *MemoryStorage) FetchOutbox(_ context.Context) ([]OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]OutboxEntry, 0, len(s.outbox))
	for _, e := range s.outbox {
		e.Message = cloneMessage(e.Message)
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *MemoryStorage) RemoveFromOutbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbox, id)
	return nil
}

func (s *MemoryStorage) UpdateOutboxRetry(_ context.Context, id, lastError string, nextRetryAt time.Time) error {
	return s.updateOutbox(id, func(e *OutboxEntry) {
		e.RetryCount++
		e.LastError = lastError
		e.NextRetryAt = nextRetryAt
	})
}

func (s *MemoryStorage) MarkOutboxRejected(_ context.Context, id, reason string) error {
	return s.updateOutbox(id, func(e *OutboxEntry) {
		e.Rejected = true
		e.LastError = reason
		e.Message.Status = StatusFailed
	})
}

func (s *MemoryStorage) RequeueOutbox(_ context.Context, id string) error {
	return s.updateOutbox(id, func(e *OutboxEntry) {
		s.seq++
		e.Seq = s.seq
		e.Rejected = false
		e.RetryCount = 0
		e.LastError = ""
		e.NextRetryAt = time.Time{}
		e.Message.Status = StatusPending
	})
}

func (s *MemoryStorage) updateOutbox(id string, fn func(*OutboxEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox %s: %w", id, ErrNotFound)
	}
	fn(&e)
	s.outbox[id] = e
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Key() < msgs[j].Key()
	})
}

func cloneMessage(m Message) Message {
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}
