// Package cache holds reconciled timelines between sessions so a freshly
// opened conversation renders before the history fetch returns. The cache is
// never authoritative; reconciliation overwrites it after every merge.
package cache

import (
	"context"
	"sync"

	"hireline/rtc-engine/pkg/models"
)

// Store is the key-value port for cached timelines. A miss is (nil, false,
// nil), never an error.
type Store interface {
	GetTimeline(ctx context.Context, conversationID string) ([]models.Message, bool, error)
	PutTimeline(ctx context.Context, conversationID string, messages []models.Message) error
	DeleteTimeline(ctx context.Context, conversationID string) error
}

// Memory is the in-process adapter. It backs tests and runs standalone when
// no redis address or snapshot file is configured.
type Memory struct {
	mu        sync.RWMutex
	timelines map[string][]models.Message
}

func NewMemory() *Memory {
	return &Memory{timelines: make(map[string][]models.Message)}
}

func (m *Memory) GetTimeline(_ context.Context, conversationID string) ([]models.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs, ok := m.timelines[conversationID]
	if !ok {
		return nil, false, nil
	}
	return models.CloneMessages(msgs), true, nil
}

func (m *Memory) PutTimeline(_ context.Context, conversationID string, messages []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timelines[conversationID] = models.CloneMessages(messages)
	return nil
}

func (m *Memory) DeleteTimeline(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timelines, conversationID)
	return nil
}
