package user

import (
	"context"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	nextID  uint64
	byID    map[uint64]User
	byEmail map[string]uint64
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[uint64]User),
		byEmail: make(map[string]uint64),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, username, email string, passwordHash []byte) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[email]; ok {
		return User{}, ErrEmailTaken
	}
	r.nextID++
	now := time.Now().UTC()
	u := User{
		ID:           r.nextID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.byID[u.ID] = u
	r.byEmail[email] = u.ID
	return u, nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uint64) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
