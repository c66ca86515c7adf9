package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrDriverNotFound = errors.New("driver not found")

// Filter narrows a Query. Zero value matches everything.
type Filter struct {
	Status models.DriverStatus
}

// Directory is the queryable driver set the selector draws from.
type Directory interface {
	Query(ctx context.Context, f Filter) ([]models.Driver, error)
	Get(ctx context.Context, driverID string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
	UpdateStatus(ctx context.Context, driverID string, status models.DriverStatus) error
}

// MemoryDirectory keeps drivers in a map. Used in tests and single-node runs
// without redis.
type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{drivers: make(map[string]models.Driver)}
}

func (m *MemoryDirectory) Query(ctx context.Context, f Filter) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryDirectory) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

func (m *MemoryDirectory) Upsert(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Updated = time.Now()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryDirectory) UpdateStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrDriverNotFound
	}
	d.Status = status
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}
