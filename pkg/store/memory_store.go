package store

import (
	"sync"
	"time"

	"petechoes/pkg/domain"
)

type memoryRecord struct {
	original  []byte
	generated []byte
	status    domain.ImageStatus
	params    []byte
	createdAt time.Time
}

// MemoryStore keeps records in-process. It backs handler and pipeline tests
// and mirrors the GormStore contract, including terminal-status protection
// and silent no-ops on missing ids.
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	images     map[int64]*memoryRecord
	background []byte
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[int64]*memoryRecord)}
}

// CreateImage inserts a record in processing state with a monotonic id.
func (m *MemoryStore) CreateImage(original []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	data := make([]byte, len(original))
	copy(data, original)
	m.images[m.nextID] = &memoryRecord{
		original:  data,
		status:    domain.StatusProcessing,
		createdAt: time.Now().UTC(),
	}
	return m.nextID, nil
}

// SetResult stores the generated blob and marks the record completed.
func (m *MemoryStore) SetResult(id int64, generated []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok || rec.status.Terminal() {
		return nil
	}
	data := make([]byte, len(generated))
	copy(data, generated)
	rec.generated = data
	rec.status = domain.StatusCompleted
	return nil
}

// SetStatus updates status only, never leaving a terminal status.
func (m *MemoryStore) SetStatus(id int64, status domain.ImageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok || rec.status.Terminal() {
		return nil
	}
	rec.status = status
	return nil
}

// SetGenerationParams records submitted request parameters.
func (m *MemoryStore) SetGenerationParams(id int64, params []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return nil
	}
	rec.params = params
	return nil
}

// GetImage fetches one blob of a record.
func (m *MemoryStore) GetImage(id int64, kind domain.ImageKind) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.images[id]
	if !ok {
		return nil, false, nil
	}
	data := rec.generated
	if kind == domain.KindOriginal {
		data = rec.original
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// GetStatus reports status and generated-blob presence.
func (m *MemoryStore) GetStatus(id int64) (domain.StatusInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.images[id]
	if !ok {
		return domain.StatusInfo{}, false, nil
	}
	return domain.StatusInfo{
		Status:            rec.status,
		HasGeneratedImage: len(rec.generated) > 0,
	}, true, nil
}

// GenerationParams returns the recorded request parameters for tests.
func (m *MemoryStore) GenerationParams(id int64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.images[id]
	if !ok || len(rec.params) == 0 {
		return nil, false
	}
	out := make([]byte, len(rec.params))
	copy(out, rec.params)
	return out, true
}

// ActiveStudioBackground returns the current studio background bytes.
func (m *MemoryStore) ActiveStudioBackground() ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.background) == 0 {
		return nil, false, nil
	}
	out := make([]byte, len(m.background))
	copy(out, m.background)
	return out, true, nil
}

// ReplaceStudioBackground swaps the active background.
func (m *MemoryStore) ReplaceStudioBackground(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(data))
	copy(out, data)
	m.background = out
	return nil
}
