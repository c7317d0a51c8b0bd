// Package memory хранит данные в памяти процесса (backend "memory" и тесты).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/google/uuid"
)

type Store struct {
	mu        sync.RWMutex
	locations map[string]domain.BusLocationSnapshot
	buses     map[string]domain.Bus
	routes    map[string]domain.Route
	stops     map[string]domain.Stop
	messages  map[string][]domain.ChatMessage // conversation -> messages
	reads     map[string]map[string]struct{}  // message -> readers

	// FailWith заставляет операции записи падать (проверка fallback-путей).
	FailWith error
}

func NewStore() *Store {
	return &Store{
		locations: make(map[string]domain.BusLocationSnapshot),
		buses:     make(map[string]domain.Bus),
		routes:    make(map[string]domain.Route),
		stops:     make(map[string]domain.Stop),
		messages:  make(map[string][]domain.ChatMessage),
		reads:     make(map[string]map[string]struct{}),
	}
}

func (s *Store) PutBus(b domain.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buses[b.ID] = b
}

func (s *Store) PutRoute(r domain.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ID] = r
}

func (s *Store) PutStop(st domain.Stop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[st.ID] = st
}

// Upsert: более старый снапшот не перетирает сохранённый, как и в postgres.
func (s *Store) Upsert(ctx context.Context, snap domain.BusLocationSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if cur, ok := s.locations[snap.BusID]; ok && cur.UpdatedAt.After(snap.UpdatedAt) {
		return nil
	}
	s.locations[snap.BusID] = snap
	return nil
}

// Since: позиции, обновлённые после since, в порядке bus_id.
func (s *Store) Since(ctx context.Context, since time.Time) ([]domain.BusLocationSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BusLocationSnapshot, 0, len(s.locations))
	for _, snap := range s.locations {
		if snap.UpdatedAt.After(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out, nil
}

func (s *Store) Location(busID string) (domain.BusLocationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.locations[busID]
	return snap, ok
}

func (s *Store) GetBus(_ context.Context, id string) (*domain.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buses[id]
	if !ok {
		return nil, fmt.Errorf("bus %s: %w", id, domain.ErrNotFound)
	}
	return &b, nil
}

func (s *Store) GetRoute(_ context.Context, id string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %s: %w", id, domain.ErrNotFound)
	}
	r.StopIDs = append([]string(nil), r.StopIDs...)
	return &r, nil
}

func (s *Store) GetStop(_ context.Context, id string) (*domain.Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stops[id]
	if !ok {
		return nil, fmt.Errorf("stop %s: %w", id, domain.ErrNotFound)
	}
	return &st, nil
}

func (s *Store) Save(_ context.Context, conversationID, senderID, content string) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	m := domain.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	return &m, nil
}

func (s *Store) MarkRead(_ context.Context, _, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	readers, ok := s.reads[messageID]
	if !ok {
		readers = make(map[string]struct{})
		s.reads[messageID] = readers
	}
	readers[userID] = struct{}{}
	return nil
}

func (s *Store) Messages(conversationID string) []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ChatMessage(nil), s.messages[conversationID]...)
}
