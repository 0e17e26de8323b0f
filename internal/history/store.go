package history

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"localscope/internal/logging"
	"localscope/internal/model"
)

// Backend persists the full history list.
type Backend interface {
	Load(ctx context.Context) ([]model.Device, error)
	Save(ctx context.Context, devices []model.Device) error
	Clear(ctx context.Context) error
}

// Store owns the in-memory history and writes it through to a Backend.
// A nil backend keeps history in memory only.
type Store struct {
	mu      sync.Mutex
	backend Backend
	limit   int
	devices []model.Device
}

// NewStore creates an empty store. Call Load to read persisted records.
func NewStore(backend Backend, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{backend: backend, limit: limit}
}

// Limit returns the retention bound.
func (s *Store) Limit() int {
	return s.limit
}

// Load replaces the in-memory list with the backend contents.
// On failure the in-memory list is left unchanged.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	devices, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	merged := Merge(nil, devices, s.limit)

	s.mu.Lock()
	s.devices = merged
	s.mu.Unlock()
	logging.Debug("history loaded", zap.Int("devices", len(merged)))
	return nil
}

// Snapshot returns a deep copy of the current history.
func (s *Store) Snapshot() []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneDevices(s.devices)
}

// Find returns the history record for ip.
func (s *Store) Find(ip string) (model.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.IP == ip {
			return d.Clone(), true
		}
	}
	return model.Device{}, false
}

// Merge folds incoming into the history and persists the result. The merged
// list is returned even when saving fails.
func (s *Store) Merge(ctx context.Context, incoming []model.Device) ([]model.Device, error) {
	s.mu.Lock()
	s.devices = Merge(s.devices, incoming, s.limit)
	snapshot := model.CloneDevices(s.devices)
	s.mu.Unlock()

	return snapshot, s.persist(ctx, snapshot)
}

// Upsert replaces the record with the same IP regardless of LastSeen, keeping
// its ID, or inserts d as a new record.
func (s *Store) Upsert(ctx context.Context, d model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	replaced := false
	for i, existing := range s.devices {
		if existing.IP != d.IP {
			continue
		}
		if existing.ID != "" {
			d.ID = existing.ID
		}
		s.devices[i] = d.Clone()
		replaced = true
		break
	}
	if !replaced {
		s.devices = append(s.devices, d.Clone())
	}
	Sort(s.devices)
	if len(s.devices) > s.limit {
		s.devices = s.devices[:s.limit]
	}
	snapshot := model.CloneDevices(s.devices)
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// Delete removes the record for ip.
func (s *Store) Delete(ctx context.Context, ip string) error {
	s.mu.Lock()
	idx := -1
	for i, d := range s.devices {
		if d.IP == ip {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrDeviceNotFound, ip)
	}
	s.devices = append(s.devices[:idx:idx], s.devices[idx+1:]...)
	snapshot := model.CloneDevices(s.devices)
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// Clear empties the history and the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.devices = nil
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.Clear(ctx); err != nil {
		logging.Warn("failed to clear history", zap.Error(err))
		return err
	}
	return nil
}

// Save writes the current in-memory list to the backend.
func (s *Store) Save(ctx context.Context) error {
	return s.persist(ctx, s.Snapshot())
}

func (s *Store) persist(ctx context.Context, devices []model.Device) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Save(ctx, devices); err != nil {
		logging.Warn("failed to persist history", zap.Error(err), zap.Int("devices", len(devices)))
		return err
	}
	return nil
}
