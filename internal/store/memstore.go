package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beercup/cup-bot/internal/domain"
)

// memstore is an in-memory Store used when no database is configured and by
// the dialog tests. Semantics mirror the postgres implementation, including
// the cascade on cup delete.
type memstore struct {
	mu sync.RWMutex

	nextID int64

	users     map[int64]*domain.User
	cups      map[int64]*domain.Cup
	attendees map[int64][]int64 // cupID -> userIDs, join order
	games     map[int64]*domain.Game
	ratings   map[int64]*domain.RatingRecord
}

func NewMemory() Store {
	return &memstore{
		users:     make(map[int64]*domain.User),
		cups:      make(map[int64]*domain.Cup),
		attendees: make(map[int64][]int64),
		games:     make(map[int64]*domain.Game),
		ratings:   make(map[int64]*domain.RatingRecord),
	}
}

func (m *memstore) Close() error { return nil }

func (m *memstore) nextSeq() int64 {
	m.nextID++
	return m.nextID
}

func (m *memstore) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.TelegramID == u.TelegramID {
			return ErrDuplicateUser
		}
	}
	u.ID = m.nextSeq()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memstore) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memstore) UserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memstore) UserByName(ctx context.Context, username string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memstore) UpdateUserState(ctx context.Context, userID int64, state domain.BotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.State = state
	return nil
}

func (m *memstore) CreateCup(ctx context.Context, c *domain.Cup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cups {
		if existing.Name == c.Name {
			return ErrDuplicateCupName
		}
	}
	c.ID = m.nextSeq()
	if c.StartAt.IsZero() {
		c.StartAt = time.Now()
	}
	cp := *c
	m.cups[c.ID] = &cp
	return nil
}

func (m *memstore) CupByName(ctx context.Context, name string) (*domain.Cup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cups {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memstore) CupsEndingAfter(ctx context.Context, t time.Time) ([]*domain.Cup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Cup
	for _, c := range m.cups {
		if c.EndAt.After(t) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortCups(out)
	return out, nil
}

func (m *memstore) CupsOwnedBy(ctx context.Context, userID int64) ([]*domain.Cup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Cup
	for _, c := range m.cups {
		if c.ManagerID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortCups(out)
	return out, nil
}

func (m *memstore) CupsAttendedBy(ctx context.Context, userID int64) ([]*domain.Cup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Cup
	for cupID, userIDs := range m.attendees {
		for _, id := range userIDs {
			if id == userID {
				if c, ok := m.cups[cupID]; ok {
					cp := *c
					out = append(out, &cp)
				}
				break
			}
		}
	}
	sortCups(out)
	return out, nil
}

func (m *memstore) Attendees(ctx context.Context, cupID int64) ([]*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.User
	for _, userID := range m.attendees[cupID] {
		if u, ok := m.users[userID]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *memstore) AddAttendee(ctx context.Context, cupID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cups[cupID]; !ok {
		return ErrCupNotFound
	}
	for _, id := range m.attendees[cupID] {
		if id == userID {
			return nil // idempotent
		}
	}
	m.attendees[cupID] = append(m.attendees[cupID], userID)
	return nil
}

func (m *memstore) DeleteCup(ctx context.Context, cupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cups[cupID]; !ok {
		return ErrCupNotFound
	}
	delete(m.cups, cupID)
	delete(m.attendees, cupID)
	for id, g := range m.games {
		if g.CupID == cupID {
			delete(m.games, id)
		}
	}
	for id, r := range m.ratings {
		if r.CupID == cupID {
			delete(m.ratings, id)
		}
	}
	return nil
}

func (m *memstore) GamesByCup(ctx context.Context, cupID int64) ([]*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Game
	for _, g := range m.games {
		if g.CupID == cupID {
			cp := *g
			cp.WinnerIDs = append([]int64(nil), g.WinnerIDs...)
			cp.LoserIDs = append([]int64(nil), g.LoserIDs...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memstore) CreateDefaultRating(ctx context.Context, userID, cupID int64, rating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ratings {
		if r.UserID == userID && r.CupID == cupID {
			return ErrRatingExists
		}
	}
	id := m.nextSeq()
	m.ratings[id] = &domain.RatingRecord{
		ID:        id,
		UserID:    userID,
		CupID:     cupID,
		Rating:    rating,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *memstore) RatingFor(ctx context.Context, userID, cupID int64) (*domain.RatingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.ratings {
		if r.UserID == userID && r.CupID == cupID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memstore) RecordGame(ctx context.Context, g *domain.Game, updates []RatingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Verify every rating record exists before mutating anything, so the
	// commit stays all-or-nothing like the postgres transaction.
	targets := make([]*domain.RatingRecord, 0, len(updates))
	for _, up := range updates {
		var found *domain.RatingRecord
		for _, r := range m.ratings {
			if r.UserID == up.UserID && r.CupID == up.CupID {
				found = r
				break
			}
		}
		if found == nil {
			return ErrCupNotFound
		}
		targets = append(targets, found)
	}

	now := time.Now()
	g.ID = m.nextSeq()
	g.CreatedAt = now
	cp := *g
	cp.WinnerIDs = append([]int64(nil), g.WinnerIDs...)
	cp.LoserIDs = append([]int64(nil), g.LoserIDs...)
	m.games[g.ID] = &cp

	for i, up := range updates {
		targets[i].Rating = up.NewRating
		targets[i].UpdatedAt = now
	}
	return nil
}

func sortCups(cups []*domain.Cup) {
	sort.Slice(cups, func(i, j int) bool {
		if !cups[i].EndAt.Equal(cups[j].EndAt) {
			return cups[i].EndAt.Before(cups[j].EndAt)
		}
		return cups[i].ID < cups[j].ID
	})
}
