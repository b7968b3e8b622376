package userinfo

import (
	"context"
	"sync"
	"time"
)

// User is the latest known profile of a remote account. A nil *User in
// cache or resolver results means the account is known to be deleted.
type User struct {
	ID             int64     `json:"id"`
	DisplayName    string    `json:"displayName"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	Roles          []string  `json:"roles,omitempty"`
	AccountCreated time.Time `json:"accountCreated,omitempty"`
}

// Cache stores short-lived profile lookups. A hit with a nil user is a
// tombstone: the account was looked up and found deleted.
type Cache interface {
	Get(ctx context.Context, uid int64) (user *User, ok bool, err error)
	Set(ctx context.Context, uid int64, user *User) error
}

type memoryCacheEntry struct {
	user      *User
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache with a fixed capacity.
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[int64]memoryCacheEntry
	now      func() time.Time
}

func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 32 * 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[int64]memoryCacheEntry),
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, uid int64) (*User, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[uid]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, uid)
		return nil, false, nil
	}
	return entry.user, true, nil
}

func (c *MemoryCache) Set(_ context.Context, uid int64, user *User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[uid]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[uid] = memoryCacheEntry{user: user, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// evictLocked drops expired entries first, then an arbitrary entry if the
// cache is still full.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	for uid, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, uid)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}
	for uid := range c.entries {
		delete(c.entries, uid)
		return
	}
}
