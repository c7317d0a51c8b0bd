package realtime

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/samber/lo"
)

// Presence отвечает, есть ли у пользователя живое соединение.
type Presence interface {
	IsConnected(userID string) bool
}

// Rooms: членство в комнатах. Комната появляется при первом join и удаляется, когда пустеет.
type Rooms struct {
	mu       sync.RWMutex
	presence Presence
	members  map[string]map[string]struct{} // roomID -> users
	byUser   map[string]map[string]struct{} // userID -> rooms

	logger *slog.Logger
}

func NewRooms(presence Presence, logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		presence: presence,
		members:  make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
		logger:   logger.With("component", "rooms"),
	}
}

// Join идемпотентно добавляет пользователя в комнату.
func (m *Rooms) Join(userID, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("empty room id: %w", domain.ErrInvalidInput)
	}

	// presence проверяется под нашим локом: Disconnect чистит комнаты уже после
	// снятия привязки, поэтому вступление не может пережить дисконнект.
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.presence.IsConnected(userID) {
		m.logger.Debug("join rejected, not connected", "user", userID, "room", roomID)
		return fmt.Errorf("join %s: %w", roomID, domain.ErrNotConnected)
	}

	add(m.members, roomID, userID)
	add(m.byUser, userID, roomID)
	return nil
}

// Leave удаляет членство; возвращает false, если пользователя в комнате не было.
func (m *Rooms) Leave(userID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !remove(m.members, roomID, userID) {
		return false
	}
	remove(m.byUser, userID, roomID)
	return true
}

// ForgetOffline: хук на дисконнект. Если пользователь успел переподключиться,
// членство сохраняется за новой сессией.
func (m *Rooms) ForgetOffline(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.presence.IsConnected(userID) {
		return
	}
	for roomID := range m.byUser[userID] {
		remove(m.members, roomID, userID)
	}
	delete(m.byUser, userID)
}

// Members: копия множества участников, не живая ссылка.
func (m *Rooms) Members(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.members[roomID])
}

func (m *Rooms) IsMember(userID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[roomID][userID]
	return ok
}

func (m *Rooms) RoomsOf(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.byUser[userID])
}

func (m *Rooms) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// RoomsWithPrefix: непустые комнаты с данным префиксом.
func (m *Rooms) RoomsWithPrefix(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0)
	for roomID := range m.members {
		if strings.HasPrefix(roomID, prefix) {
			out = append(out, roomID)
		}
	}
	return out
}

func add(idx map[string]map[string]struct{}, key, val string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[val] = struct{}{}
}

func remove(idx map[string]map[string]struct{}, key, val string) bool {
	set, ok := idx[key]
	if !ok {
		return false
	}
	if _, ok := set[val]; !ok {
		return false
	}
	delete(set, val)
	if len(set) == 0 {
		delete(idx, key)
	}
	return true
}
