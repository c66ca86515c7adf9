package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the in-process booking record store. Every update bumps a
// per-booking version and fans the new snapshot out to subscribers in order.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	subs     map[string][]*subscriber
	nextSub  int
	archiver Archiver
	logger   *slog.Logger
}

// Archiver receives every booking snapshot after a successful write, e.g.
// the postgres mirror. Called asynchronously and best-effort.
type Archiver interface {
	Archive(ctx context.Context, b models.Booking) error
}

type subscriber struct {
	id   int
	ch   chan models.Booking
	done chan struct{}
}

const subBuffer = 64

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*models.Booking),
		subs:     make(map[string][]*subscriber),
		logger:   slog.Default(),
	}
}

// SetArchiver attaches a snapshot mirror.
func (m *MemoryStore) SetArchiver(a Archiver, logger *slog.Logger) {
	m.archiver = a
	if logger != nil {
		m.logger = logger
	}
}

func (m *MemoryStore) archive(snap models.Booking) {
	if m.archiver == nil {
		return
	}
	go func() {
		if err := m.archiver.Archive(context.Background(), snap); err != nil {
			m.logger.Warn("booking archive failed", "booking_id", snap.ID, "error", err)
		}
	}()
}

func (m *MemoryStore) Create(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := clone(b)
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 1
	m.bookings[cp.ID] = cp
	*b = *clone(cp)
	m.archive(*clone(cp))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch, pre Precondition) (*models.Booking, error) {
	m.mu.Lock()
	b, ok := m.bookings[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := pre.check(b); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next := clone(b)
	if err := patch.apply(next); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next.Version = b.Version + 1
	next.UpdatedAt = time.Now()
	m.bookings[id] = next
	snapshot := *clone(next)
	subs := append([]*subscriber(nil), m.subs[id]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.send(snapshot)
	}
	m.archive(snapshot)
	return clone(next), nil
}

func (m *MemoryStore) Subscribe(id string, fn func(models.Booking)) func() {
	m.mu.Lock()
	m.nextSub++
	s := &subscriber{
		id:   m.nextSub,
		ch:   make(chan models.Booking, subBuffer),
		done: make(chan struct{}),
	}
	m.subs[id] = append(m.subs[id], s)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case snap := <-s.ch:
				fn(snap)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		m.mu.Lock()
		list := m.subs[id]
		for i, sub := range list {
			if sub.id == s.id {
				m.subs[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(s.done)
	}
}

// send never blocks the writer. If the subscriber is behind, the oldest
// snapshot is dropped; each snapshot carries full state plus a version, so
// the consumer can always catch up from the latest one.
func (s *subscriber) send(snap models.Booking) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func clone(b *models.Booking) *models.Booking {
	cp := *b
	if b.AssignedDriver != nil {
		d := *b.AssignedDriver
		cp.AssignedDriver = &d
	}
	if b.NoShow != nil {
		n := *b.NoShow
		cp.NoShow = &n
	}
	if b.LastMatchAt != nil {
		t := *b.LastMatchAt
		cp.LastMatchAt = &t
	}
	if b.SearchDeadlineAt != nil {
		t := *b.SearchDeadlineAt
		cp.SearchDeadlineAt = &t
	}
	cp.RejectedDrivers = append([]string(nil), b.RejectedDrivers...)
	cp.StatusHistory = append([]models.HistoryEntry(nil), b.StatusHistory...)
	if b.Ratings != nil {
		cp.Ratings = make(map[models.RatingDirection]models.Rating, len(b.Ratings))
		for k, v := range b.Ratings {
			cp.Ratings[k] = v
		}
	}
	return &cp
}
