// Package userstest provides an in-memory users.Repository for tests.
package userstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"job-leaderboard/internal/users"
)

type Memory struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]users.User
	// Err, when set, is returned by every call.
	Err error
}

func NewMemory() *Memory {
	return &Memory{users: make(map[int64]users.User)}
}

func (m *Memory) Create(_ context.Context, u *users.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.clashes(0, u) {
		return users.ErrDuplicate
	}
	m.nextID++
	now := time.Now().UTC()
	u.ID = m.nextID
	u.CreatedAt = now
	u.UpdatedAt = now
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) FindByID(_ context.Context, id int64) (users.User, error) {
	return m.find(func(u users.User) bool { return u.ID == id })
}

func (m *Memory) FindByEmail(_ context.Context, email string) (users.User, error) {
	return m.find(func(u users.User) bool { return u.Email == email })
}

func (m *Memory) FindByUsername(_ context.Context, username string) (users.User, error) {
	return m.find(func(u users.User) bool { return u.Username == username })
}

func (m *Memory) FindByLogin(_ context.Context, login string) (users.User, error) {
	return m.find(func(u users.User) bool { return u.Email == login || u.Username == login })
}

func (m *Memory) List(context.Context) ([]users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]users.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) Update(_ context.Context, u *users.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.users[u.ID]; !ok {
		return users.ErrNotFound
	}
	if m.clashes(u.ID, u) {
		return users.ErrDuplicate
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.users[id]; !ok {
		return users.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *Memory) find(match func(users.User) bool) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return users.User{}, m.Err
	}
	ids := make([]int64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if u := m.users[id]; match(u) {
			return u, nil
		}
	}
	return users.User{}, users.ErrNotFound
}

func (m *Memory) clashes(self int64, u *users.User) bool {
	for id, other := range m.users {
		if id == self {
			continue
		}
		if other.Email == u.Email || other.Username == u.Username {
			return true
		}
	}
	return false
}
