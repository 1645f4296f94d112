package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"hireline/rtc-engine/pkg/models"
)

// FileStore keeps all cached timelines in one encrypted snapshot file. Every
// mutation rewrites the file; the write happens against a cloned map so a
// failed persist leaves the in-memory view unchanged.
type FileStore struct {
	mu        sync.Mutex
	path      string
	secret    string
	timelines map[string][]models.Message
}

// NewFileStore loads the snapshot at path, decrypting with passphrase. A
// missing file is an empty cache. An unreadable or tampered snapshot is
// discarded rather than surfaced; the cache is reconstructible from the
// remote service.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	s := &FileStore{
		path:      path,
		secret:    passphrase,
		timelines: make(map[string][]models.Message),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) GetTimeline(_ context.Context, conversationID string) ([]models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.timelines[conversationID]
	if !ok {
		return nil, false, nil
	}
	return models.CloneMessages(msgs), true, nil
}

func (s *FileStore) PutTimeline(_ context.Context, conversationID string, messages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next[conversationID] = models.CloneMessages(messages)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.timelines = next
	return nil
}

func (s *FileStore) DeleteTimeline(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timelines[conversationID]; !ok {
		return nil
	}
	next := s.cloneLocked()
	delete(next, conversationID)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.timelines = next
	return nil
}

func (s *FileStore) cloneLocked() map[string][]models.Message {
	out := make(map[string][]models.Message, len(s.timelines))
	for k, v := range s.timelines {
		out[k] = v
	}
	return out
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	decoded := data
	if s.secret != "" {
		decoded, err = decrypt(s.secret, data)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidEnvelope) || errors.Is(err, ErrPlaintextPayload) {
				return nil
			}
			return err
		}
	}
	var snapshot struct {
		Timelines map[string][]models.Message `json:"timelines"`
	}
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return nil
	}
	if snapshot.Timelines != nil {
		s.timelines = snapshot.Timelines
	}
	return nil
}

func (s *FileStore) persistLocked(timelines map[string][]models.Message) error {
	snapshot := struct {
		Timelines map[string][]models.Message `json:"timelines"`
	}{Timelines: timelines}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if s.secret != "" {
		data, err = encrypt(s.secret, data)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
